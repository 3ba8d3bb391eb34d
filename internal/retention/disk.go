package retention

import "golang.org/x/sys/unix"

// diskUsage reports the used and total bytes of the filesystem containing
// path, via statfs(2).
func diskUsage(path string) (used, total uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	blockSize := uint64(stat.Bsize)
	total = stat.Blocks * blockSize
	free := stat.Bfree * blockSize
	used = total - free
	return used, total, nil
}
