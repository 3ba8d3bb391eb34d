package ingest

import (
	"bufio"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var initMapPattern = regexp.MustCompile(`URI="([^"]+)"`)

// Playlist is the result of parsing one HLS playlist response. Exactly one
// of Variants or Segments is populated, depending on whether the fetched
// playlist was a master playlist or a media playlist.
type Playlist struct {
	IsMaster bool
	Variants []string // absolute media-playlist URLs, in playlist order
	InitURL  string   // absolute, from #EXT-X-MAP, empty if none
	Segments []string // absolute fragment URLs, in playlist order
}

// parsePlaylist reads an HLS playlist body and resolves every relative URI
// it contains against baseURL. Master playlists (containing
// #EXT-X-STREAM-INF) are distinguished from media playlists by the presence
// of that tag, matching the ordering HLS muxers actually emit it in.
func parsePlaylist(body string, baseURL *url.URL) (*Playlist, error) {
	pl := &Playlist{}
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pendingVariant bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			pl.IsMaster = true
			pendingVariant = true
			continue
		case strings.HasPrefix(line, "#EXT-X-MAP"):
			if m := initMapPattern.FindStringSubmatch(line); len(m) == 2 {
				resolved, err := resolveURL(baseURL, m[1])
				if err != nil {
					return nil, fmt.Errorf("resolving init segment URI: %w", err)
				}
				pl.InitURL = resolved
			}
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}

		resolved, err := resolveURL(baseURL, line)
		if err != nil {
			return nil, fmt.Errorf("resolving playlist URI %q: %w", line, err)
		}

		if pendingVariant {
			pl.Variants = append(pl.Variants, resolved)
			pendingVariant = false
			continue
		}
		pl.Segments = append(pl.Segments, resolved)
	}

	return pl, scanner.Err()
}

func resolveURL(base *url.URL, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(refURL).String(), nil
}

// isRecordableSegment applies the fragment filename filter: files containing
// "_seg" are recordable; low-latency partial segments ("_part") and any URI
// that points at the init segment itself ("_init") are skipped.
func isRecordableSegment(segURL string) bool {
	base := segURL
	if idx := strings.LastIndexByte(base, '/'); idx != -1 {
		base = base[idx+1:]
	}
	if idx := strings.IndexByte(base, '?'); idx != -1 {
		base = base[:idx]
	}
	if !strings.Contains(base, "_seg") {
		return false
	}
	if strings.Contains(base, "_part") || strings.Contains(base, "_init") {
		return false
	}
	return true
}

// gatewayToken derives the gateway-side identity token carried into the
// final output filename, from a segment's URL path.
func gatewayToken(segURL string) string {
	base := segURL
	if idx := strings.LastIndexByte(base, '/'); idx != -1 {
		base = base[idx+1:]
	}
	if idx := strings.IndexByte(base, '?'); idx != -1 {
		base = base[:idx]
	}
	base = strings.TrimSuffix(base, ".m4s")
	base = strings.TrimSuffix(base, ".mp4")
	return sanitizeToken(base)
}

func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
