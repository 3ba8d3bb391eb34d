// Package config provides configuration loading for the NVR core.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the recording core.
type Config struct {
	Version string         `yaml:"version"`
	System  SystemConfig   `yaml:"system"`
	Cameras []CameraConfig `yaml:"cameras"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	Name        string `yaml:"name"`
	Timezone    string `yaml:"timezone"`
	StoragePath string `yaml:"storage_path"`
	GatewayHost string `yaml:"gateway_host"` // host:port of the HLS media gateway

	// ExternalRecordingsPath is the root of a tree written by an external
	// recorder (e.g. the gateway recording to disk itself). Empty disables
	// the external index scanner.
	ExternalRecordingsPath string `yaml:"external_recordings_path"`

	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds index-store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CameraConfig holds per-camera ingest and retention settings.
type CameraConfig struct {
	ID        string          `yaml:"id" json:"id"`
	Name      string          `yaml:"name" json:"name"`
	Enabled   bool            `yaml:"enabled" json:"enabled"`
	Stream    StreamConfig    `yaml:"stream" json:"stream"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
}

// StreamConfig holds the gateway-side identity of a camera's HLS stream.
// Username/Password are carried for gateways that require basic auth on the
// playlist/segment endpoints; they are encrypted at rest.
type StreamConfig struct {
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// RecordingConfig holds ingest cadence settings.
type RecordingConfig struct {
	SegmentDurationMs int `yaml:"segment_duration_ms" json:"segment_duration_ms"` // [2000,4000], default 3000
}

// RetentionConfig holds one camera's retention policy (mirrors the Index
// Store's retention_policies table).
type RetentionConfig struct {
	RetentionDays             int     `yaml:"retention_days" json:"retention_days"`               // [7,90]
	MinFreeSpaceGB            int     `yaml:"min_free_space_gb" json:"min_free_space_gb"`         // [10,500]
	EmergencyCleanupThreshold float64 `yaml:"emergency_cleanup_threshold" json:"emergency_cleanup_threshold"` // [0.80,0.99]
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version: c.Version,
		System:  c.System,
		Cameras: c.Cameras,
		path:    c.path,
		encKey:  c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# NVR core configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching the config file for changes, debounced and
// re-applied via the registered OnChange callbacks.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback invoked after a successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Cameras = newCfg.Cameras
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// GetCamera returns a camera by ID, or nil.
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// AllCameras returns a snapshot of the configured cameras.
func (c *Config) AllCameras() []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CameraConfig, len(c.Cameras))
	copy(out, c.Cameras)
	return out
}

// GetPath returns the loaded config file's path.
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.StoragePath == "" {
		c.System.StoragePath = "/data/recordings"
	}
	if c.System.GatewayHost == "" {
		c.System.GatewayHost = "localhost:8888"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Recording.SegmentDurationMs == 0 {
			cam.Recording.SegmentDurationMs = 3000
		}
		if cam.Recording.SegmentDurationMs < 2000 {
			cam.Recording.SegmentDurationMs = 2000
		}
		if cam.Recording.SegmentDurationMs > 4000 {
			cam.Recording.SegmentDurationMs = 4000
		}
		if cam.Retention.RetentionDays == 0 {
			cam.Retention.RetentionDays = 30
		}
		if cam.Retention.RetentionDays < 7 {
			cam.Retention.RetentionDays = 7
		}
		if cam.Retention.RetentionDays > 90 {
			cam.Retention.RetentionDays = 90
		}
		if cam.Retention.MinFreeSpaceGB == 0 {
			cam.Retention.MinFreeSpaceGB = 50
		}
		if cam.Retention.EmergencyCleanupThreshold == 0 {
			cam.Retention.EmergencyCleanupThreshold = 0.90
		}
	}
}

// encryptSecrets encrypts sensitive fields before a save.
func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		if c.Cameras[i].Stream.Password != "" && !strings.HasPrefix(c.Cameras[i].Stream.Password, "encrypted:") {
			encrypted, err := encrypt(c.encKey, c.Cameras[i].Stream.Password)
			if err != nil {
				return err
			}
			c.Cameras[i].Stream.Password = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts sensitive fields after a load.
func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		if strings.HasPrefix(c.Cameras[i].Stream.Password, "encrypted:") {
			encrypted := strings.TrimPrefix(c.Cameras[i].Stream.Password, "encrypted:")
			decrypted, err := decrypt(c.encKey, encrypted)
			if err != nil {
				return err
			}
			c.Cameras[i].Stream.Password = decrypted
		}
	}
	return nil
}

// getEncryptionKey returns the encryption key from the environment, falling
// back to a fixed development key.
func getEncryptionKey() []byte {
	keyStr := os.Getenv("NVR_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Fixed fallback key, inherited from the upstream config loader.
	// Not suitable for production use without NVR_ENCRYPTION_KEY set.
	return []byte("nvr-default-key-change-in-prod!!")
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
