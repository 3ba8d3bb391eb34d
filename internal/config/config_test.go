package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeTestConfig(t, `
version: "1.0"
system:
  name: "Test NVR"
  timezone: "America/New_York"
  storage_path: "/data"
  database:
    path: "/data/test.db"
cameras: []
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("expected version '1.0', got '%s'", cfg.Version)
	}
	if cfg.System.Name != "Test NVR" {
		t.Errorf("expected name 'Test NVR', got '%s'", cfg.System.Name)
	}
	if cfg.System.Timezone != "America/New_York" {
		t.Errorf("expected timezone 'America/New_York', got '%s'", cfg.System.Timezone)
	}
	if cfg.System.Database.Path != "/data/test.db" {
		t.Errorf("expected database path '/data/test.db', got '%s'", cfg.System.Database.Path)
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error when loading non-existent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := writeTestConfig(t, `
version: "1.0"
  bad indentation
cameras: []
`)

	if _, err := Load(configPath); err == nil {
		t.Error("expected error when loading invalid YAML")
	}
}

func TestLoadWithCameras(t *testing.T) {
	configPath := writeTestConfig(t, `
version: "1.0"
system:
  name: "Test NVR"
cameras:
  - id: "cam1"
    name: "Front Door"
    enabled: true
    stream:
      username: "admin"
      password: "test123"
  - id: "cam2"
    name: "Back Door"
    enabled: false
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if len(cfg.Cameras) != 2 {
		t.Errorf("expected 2 cameras, got %d", len(cfg.Cameras))
	}

	cam1 := cfg.GetCamera("cam1")
	if cam1 == nil {
		t.Fatal("camera cam1 not found")
	}
	if cam1.Name != "Front Door" {
		t.Errorf("expected name 'Front Door', got '%s'", cam1.Name)
	}
	if !cam1.Enabled {
		t.Error("camera cam1 should be enabled")
	}

	if cfg.GetCamera("does-not-exist") != nil {
		t.Error("GetCamera should return nil for an unconfigured camera")
	}
}

func TestAllCameras(t *testing.T) {
	configPath := writeTestConfig(t, `
version: "1.0"
cameras:
  - id: "cam1"
    enabled: true
  - id: "cam2"
    enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	all := cfg.AllCameras()
	if len(all) != 2 {
		t.Fatalf("expected 2 cameras, got %d", len(all))
	}

	// The returned slice must be a copy: mutating it must not affect cfg.
	all[0].Name = "mutated"
	if cfg.Cameras[0].Name == "mutated" {
		t.Error("AllCameras should return a snapshot, not the backing slice")
	}
}

func TestOnChange(t *testing.T) {
	cfg := &Config{}

	callCount := 0
	cfg.OnChange(func(c *Config) { callCount++ })

	if len(cfg.watchers) != 1 {
		t.Errorf("expected 1 watcher, got %d", len(cfg.watchers))
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if cfg.Version != "1.0" {
		t.Errorf("expected default version '1.0', got '%s'", cfg.Version)
	}
	if cfg.System.Timezone != "UTC" {
		t.Errorf("expected default timezone 'UTC', got '%s'", cfg.System.Timezone)
	}
	if cfg.System.StoragePath == "" {
		t.Error("expected a default storage path")
	}
	if cfg.System.GatewayHost == "" {
		t.Error("expected a default gateway host")
	}
	if cfg.System.Logging.Level != "info" {
		t.Errorf("expected default logging level 'info', got '%s'", cfg.System.Logging.Level)
	}
}

func TestSetDefaultsDoesNotOverwrite(t *testing.T) {
	cfg := &Config{
		Version: "2.0",
		System: SystemConfig{
			Timezone:    "America/New_York",
			StoragePath: "/custom/path",
			Logging:     LoggingConfig{Level: "debug"},
		},
	}
	cfg.setDefaults()

	if cfg.Version != "2.0" {
		t.Errorf("version was overwritten, got '%s'", cfg.Version)
	}
	if cfg.System.Timezone != "America/New_York" {
		t.Errorf("timezone was overwritten, got '%s'", cfg.System.Timezone)
	}
	if cfg.System.StoragePath != "/custom/path" {
		t.Errorf("storage path was overwritten, got '%s'", cfg.System.StoragePath)
	}
	if cfg.System.Logging.Level != "debug" {
		t.Errorf("logging level was overwritten, got '%s'", cfg.System.Logging.Level)
	}
}

func TestSetDefaults_ClampsPerCameraSettings(t *testing.T) {
	cfg := &Config{
		Cameras: []CameraConfig{
			{ID: "too-fast", Recording: RecordingConfig{SegmentDurationMs: 500}},
			{ID: "too-slow", Recording: RecordingConfig{SegmentDurationMs: 9000}},
			{ID: "too-short-retention", Retention: RetentionConfig{RetentionDays: 1}},
			{ID: "too-long-retention", Retention: RetentionConfig{RetentionDays: 365}},
		},
	}
	cfg.setDefaults()

	if got := cfg.GetCamera("too-fast").Recording.SegmentDurationMs; got != 2000 {
		t.Errorf("expected segment duration clamped to 2000ms, got %d", got)
	}
	if got := cfg.GetCamera("too-slow").Recording.SegmentDurationMs; got != 4000 {
		t.Errorf("expected segment duration clamped to 4000ms, got %d", got)
	}
	if got := cfg.GetCamera("too-short-retention").Retention.RetentionDays; got != 7 {
		t.Errorf("expected retention clamped to 7 days, got %d", got)
	}
	if got := cfg.GetCamera("too-long-retention").Retention.RetentionDays; got != 90 {
		t.Errorf("expected retention clamped to 90 days, got %d", got)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("12345678901234567890123456789012") // exactly 32 bytes
	plaintext := "secret password"

	encrypted, err := encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encryption failed: %v", err)
	}
	if encrypted == plaintext {
		t.Error("encrypted text should not equal plaintext")
	}

	decrypted, err := decrypt(key, encrypted)
	if err != nil {
		t.Fatalf("decryption failed: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("expected decrypted '%s', got '%s'", plaintext, decrypted)
	}
}

func TestDecryptInvalidData(t *testing.T) {
	key := []byte("12345678901234567890123456789012")

	if _, err := decrypt(key, "not-valid-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := decrypt(key, "YWJj"); err == nil { // "abc" in base64, too short to hold a nonce
		t.Error("expected error for too-short ciphertext")
	}
}

func TestGetEncryptionKey(t *testing.T) {
	originalKey := os.Getenv("NVR_ENCRYPTION_KEY")
	defer os.Setenv("NVR_ENCRYPTION_KEY", originalKey)

	testKey := make([]byte, 32)
	for i := range testKey {
		testKey[i] = byte(i)
	}
	os.Setenv("NVR_ENCRYPTION_KEY", "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	if key := getEncryptionKey(); len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d bytes", len(key))
	}

	os.Setenv("NVR_ENCRYPTION_KEY", "dGVzdA==") // "test", only 4 bytes after decoding
	if key := getEncryptionKey(); len(key) != 32 {
		t.Errorf("expected fallback to the 32-byte default key, got %d bytes", len(key))
	}

	os.Setenv("NVR_ENCRYPTION_KEY", "not-valid-base64!!!")
	if key := getEncryptionKey(); len(key) != 32 {
		t.Errorf("expected fallback to the 32-byte default key, got %d bytes", len(key))
	}

	os.Unsetenv("NVR_ENCRYPTION_KEY")
	if key := getEncryptionKey(); len(key) != 32 {
		t.Errorf("expected 32-byte default key, got %d bytes", len(key))
	}
}

func TestLoadDecryptsStoredPassword(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	os.Setenv("NVR_ENCRYPTION_KEY", "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	defer os.Unsetenv("NVR_ENCRYPTION_KEY")

	encrypted, err := encrypt(key, "hunter2")
	if err != nil {
		t.Fatalf("failed to prepare encrypted fixture: %v", err)
	}

	configPath := writeTestConfig(t, `
version: "1.0"
cameras:
  - id: "cam1"
    enabled: true
    stream:
      password: "encrypted:`+encrypted+`"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	cam := cfg.GetCamera("cam1")
	if cam == nil {
		t.Fatal("camera not found")
	}
	if cam.Stream.Password != "hunter2" {
		t.Errorf("expected decrypted password 'hunter2', got '%s'", cam.Stream.Password)
	}
}

func TestSaveEncryptsPasswordAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{
		Version: "1.0",
		System: SystemConfig{
			Name:        "Test NVR",
			StoragePath: "/data",
		},
		Cameras: []CameraConfig{
			{ID: "cam1", Name: "Front Door", Enabled: true, Stream: StreamConfig{Password: "secret"}},
		},
		path:   configPath,
		encKey: getEncryptionKey(),
	}

	if err := cfg.Save(); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	if !strings.Contains(string(data), "encrypted:") {
		t.Error("saved config should store the password behind an 'encrypted:' marker")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to reload saved config: %v", err)
	}
	if loaded.GetCamera("cam1").Stream.Password != "secret" {
		t.Error("reloading a saved config should decrypt the password back to plaintext")
	}
}

