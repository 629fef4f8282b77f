// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"testing"
	"time"
)

func TestFromEnvironment(t *testing.T) {
	// Set test environment variables
	os.Setenv("GUESTKIT_JOBS_DIR", "/srv/guestkit/jobs")
	os.Setenv("GUESTKIT_RESULTS_DIR", "/srv/guestkit/results")
	os.Setenv("GUESTKIT_WORKER_POOL_SIZE", "8")
	os.Setenv("GUESTKIT_TRACING_ENABLED", "1")
	os.Setenv("GUESTKIT_DAEMON_ADDR", "localhost:9090")
	os.Setenv("GUESTKIT_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("GUESTKIT_JOBS_DIR")
		os.Unsetenv("GUESTKIT_RESULTS_DIR")
		os.Unsetenv("GUESTKIT_WORKER_POOL_SIZE")
		os.Unsetenv("GUESTKIT_TRACING_ENABLED")
		os.Unsetenv("GUESTKIT_DAEMON_ADDR")
		os.Unsetenv("GUESTKIT_LOG_LEVEL")
	}()

	cfg := FromEnvironment()

	if cfg.JobsDir != "/srv/guestkit/jobs" {
		t.Errorf("Expected JobsDir '/srv/guestkit/jobs', got '%s'", cfg.JobsDir)
	}
	if cfg.ResultsDir != "/srv/guestkit/results" {
		t.Errorf("Expected ResultsDir '/srv/guestkit/results', got '%s'", cfg.ResultsDir)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("Expected WorkerPoolSize 8, got %d", cfg.WorkerPoolSize)
	}
	if !cfg.Tracing.Enabled {
		t.Error("Expected Tracing.Enabled to be true")
	}
	if cfg.DaemonAddr != "localhost:9090" {
		t.Errorf("Expected DaemonAddr 'localhost:9090', got '%s'", cfg.DaemonAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected LogLevel 'debug', got '%s'", cfg.LogLevel)
	}
}

func TestFromEnvironmentDefaults(t *testing.T) {
	// Clear all env vars
	os.Clearenv()

	cfg := FromEnvironment()

	if cfg.WorkerPoolSize != 4 {
		t.Errorf("Expected default WorkerPoolSize 4, got %d", cfg.WorkerPoolSize)
	}
	if cfg.RetryBudget != 2 {
		t.Errorf("Expected default RetryBudget 2, got %d", cfg.RetryBudget)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.DaemonAddr != "localhost:8080" {
		t.Errorf("Expected default DaemonAddr 'localhost:8080', got '%s'", cfg.DaemonAddr)
	}
}

func TestFromFile(t *testing.T) {
	// Create temporary config file
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `jobs_dir: "/srv/jobs"
results_dir: "/srv/results"
log_format: "json"
daemon_addr: "0.0.0.0:8888"
log_level: "warn"
worker_pool_size: 8
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := FromFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	if cfg.VCenterURL != "https://file.vcenter.com/sdk" {
		t.Errorf("Expected VCenterURL from file, got '%s'", cfg.VCenterURL)
	}
	if cfg.Username != "fileuser" {
		t.Errorf("Expected Username 'fileuser', got '%s'", cfg.Username)
	}
	if cfg.DaemonAddr != "0.0.0.0:8888" {
		t.Errorf("Expected DaemonAddr '0.0.0.0:8888', got '%s'", cfg.DaemonAddr)
	}
	if cfg.DownloadWorkers != 8 {
		t.Errorf("Expected DownloadWorkers 8, got %d", cfg.DownloadWorkers)
	}
}

func TestMergeWithEnv(t *testing.T) {
	// Set environment variables
	os.Setenv("GUESTKIT_JOBS_DIR", "/env/jobs")
	os.Setenv("GUESTKIT_LOG_LEVEL", "error")
	defer func() {
		os.Unsetenv("GUESTKIT_JOBS_DIR")
		os.Unsetenv("GUESTKIT_LOG_LEVEL")
	}()

	// Create base config
	cfg := &Config{
		JobsDir:    "/file/jobs",
		LogLevel:   "info",
		DaemonAddr: "localhost:8080",
	}

	// Merge with env (env should take precedence)
	merged := cfg.MergeWithEnv()

	if merged.JobsDir != "/env/jobs" {
		t.Errorf("Expected env to override JobsDir, got '%s'", merged.JobsDir)
	}
	if merged.LogLevel != "error" {
		t.Errorf("Expected env to override LogLevel, got '%s'", merged.LogLevel)
	}
	if merged.DaemonAddr != "localhost:8080" {
		t.Errorf("Expected DaemonAddr to remain from file, got '%s'", merged.DaemonAddr)
	}
}

func TestFromFile_NonexistentFile(t *testing.T) {
	_, err := FromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestFromFile_InvalidYAML(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "invalid-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Write invalid YAML
	tmpFile.WriteString("invalid: yaml: content: :\n")
	tmpFile.Close()

	_, err = FromFile(tmpFile.Name())
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestFromFile_WithDefaults(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "minimal-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Minimal config - should get defaults
	configContent := `jobs_dir: "/minimal/jobs"
`
	tmpFile.WriteString(configContent)
	tmpFile.Close()

	cfg, err := FromFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	// Verify defaults are applied
	if cfg.WorkerPoolSize != 4 {
		t.Errorf("Expected default WorkerPoolSize 4, got %d", cfg.WorkerPoolSize)
	}
	if cfg.RetryBudget != 2 {
		t.Errorf("Expected default RetryBudget 2, got %d", cfg.RetryBudget)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.DaemonAddr != "localhost:8080" {
		t.Errorf("Expected default DaemonAddr 'localhost:8080', got '%s'", cfg.DaemonAddr)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("Expected default LogFormat 'text', got '%s'", cfg.LogFormat)
	}
}

func TestFromFile_WithTracing(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "tracing-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `jobs_dir: "/srv/jobs"
tracing:
  enabled: true
  service_name: "inspector"
`
	tmpFile.WriteString(configContent)
	tmpFile.Close()

	cfg, err := FromFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	// Verify tracing config
	if cfg.JobsDir != "/srv/jobs" {
		t.Fatalf("Expected JobsDir '/srv/jobs', got '%s'", cfg.JobsDir)
	}
	if !cfg.Tracing.Enabled {
		t.Error("Expected Tracing.Enabled to be true")
	}
	if cfg.Tracing.ServiceName != "inspector" {
		t.Errorf("Expected ServiceName 'inspector', got '%s'", cfg.Tracing.ServiceName)
	}
	// Verify defaults are applied for missing fields
	if cfg.CacheDir != "./var/cache" {
		t.Errorf("Expected default CacheDir './var/cache', got '%s'", cfg.CacheDir)
	}
	if cfg.SessionRootDir != "./var/sessions" {
		t.Errorf("Expected default SessionRootDir './var/sessions', got '%s'", cfg.SessionRootDir)
	}
}

func TestFromFile_AllDefaults(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "empty-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Empty config - should get all defaults
	configContent := `{}`
	tmpFile.WriteString(configContent)
	tmpFile.Close()

	cfg, err := FromFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	// Verify all defaults
	if cfg.Timeout != 3600*time.Second {
		t.Errorf("Expected default Timeout 3600s, got %v", cfg.Timeout)
	}
	if cfg.DownloadWorkers != 3 {
		t.Errorf("Expected default DownloadWorkers 3, got %d", cfg.DownloadWorkers)
	}
	if cfg.ChunkSize != 33554432 {
		t.Errorf("Expected default ChunkSize 33554432, got %d", cfg.ChunkSize)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("Expected default RetryAttempts 3, got %d", cfg.RetryAttempts)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Errorf("Expected default RetryDelay 5s, got %v", cfg.RetryDelay)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.ProgressStyle != "bar" {
		t.Errorf("Expected default ProgressStyle 'bar', got '%s'", cfg.ProgressStyle)
	}
	if cfg.RefreshRate != 100*time.Millisecond {
		t.Errorf("Expected default RefreshRate 100ms, got %v", cfg.RefreshRate)
	}
	if cfg.DaemonAddr != "localhost:8080" {
		t.Errorf("Expected default DaemonAddr 'localhost:8080', got '%s'", cfg.DaemonAddr)
	}

	// Verify ConnectionPool defaults
	if cfg.ConnectionPool == nil {
		t.Fatal("Expected ConnectionPool to be initialized")
	}
	if cfg.ConnectionPool.Enabled {
		t.Error("Expected ConnectionPool.Enabled to be false by default")
	}
	if cfg.ConnectionPool.MaxConnections != 5 {
		t.Errorf("Expected default MaxConnections 5, got %d", cfg.ConnectionPool.MaxConnections)
	}
	if cfg.ConnectionPool.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected default IdleTimeout 5m, got %v", cfg.ConnectionPool.IdleTimeout)
	}
	if cfg.ConnectionPool.HealthCheckInterval != 30*time.Second {
		t.Errorf("Expected default HealthCheckInterval 30s, got %v", cfg.ConnectionPool.HealthCheckInterval)
	}
}

func TestFromFile_PartialConnectionPool(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "partial-pool-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Partial connection pool config - should get defaults for missing fields
	configContent := `vcenterurl: "https://test.vcenter.com/sdk"
connectionpool:
  enabled: true
`
	tmpFile.WriteString(configContent)
	tmpFile.Close()

	cfg, err := FromFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	// Verify ConnectionPool was parsed
	if cfg.ConnectionPool == nil {
		t.Fatal("Expected ConnectionPool to be set")
	}

	// Verify defaults were applied for missing fields
	if cfg.ConnectionPool.MaxConnections != 5 {
		t.Errorf("Expected default MaxConnections 5, got %d", cfg.ConnectionPool.MaxConnections)
	}
	if cfg.ConnectionPool.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected default IdleTimeout 5m, got %v", cfg.ConnectionPool.IdleTimeout)
	}
	if cfg.ConnectionPool.HealthCheckInterval != 30*time.Second {
		t.Errorf("Expected default HealthCheckInterval 30s, got %v", cfg.ConnectionPool.HealthCheckInterval)
	}
}

func TestFromFile_PartialProviderConfigs(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "partial-providers-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Partial provider configs - should get defaults for missing fields
	configContent := `vcenterurl: "https://test.vcenter.com/sdk"
aws:
  enabled: true
azure:
  enabled: true
gcp:
  enabled: true
hyperv:
  enabled: true
  use_https: true
oci:
  enabled: true
openstack:
  enabled: true
alibabacloud:
  enabled: true
proxmox:
  enabled: true
`
	tmpFile.WriteString(configContent)
	tmpFile.Close()

	cfg, err := FromFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	// Verify AWS defaults
	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("Expected default AWS Region, got %s", cfg.AWS.Region)
	}
	if cfg.AWS.ExportFormat != "vmdk" {
		t.Errorf("Expected default AWS ExportFormat, got %s", cfg.AWS.ExportFormat)
	}

	// Verify Azure defaults
	if cfg.Azure.Location != "eastus" {
		t.Errorf("Expected default Azure Location, got %s", cfg.Azure.Location)
	}
	if cfg.Azure.ExportFormat != "image" {
		t.Errorf("Expected default Azure ExportFormat, got %s", cfg.Azure.ExportFormat)
	}

	// Verify GCP defaults
	if cfg.GCP.Zone != "us-central1-a" {
		t.Errorf("Expected default GCP Zone, got %s", cfg.GCP.Zone)
	}
	if cfg.GCP.Region != "us-central1" {
		t.Errorf("Expected default GCP Region, got %s", cfg.GCP.Region)
	}
	if cfg.GCP.ExportFormat != "vmdk" {
		t.Errorf("Expected default GCP ExportFormat, got %s", cfg.GCP.ExportFormat)
	}

	// Verify Hyper-V defaults (should use HTTPS port since use_https is true)
	if cfg.HyperV.WinRMPort != 5986 {
		t.Errorf("Expected Hyper-V WinRMPort 5986 for HTTPS, got %d", cfg.HyperV.WinRMPort)
	}
	if cfg.HyperV.ExportFormat != "vhdx" {
		t.Errorf("Expected default Hyper-V ExportFormat, got %s", cfg.HyperV.ExportFormat)
	}

	// Verify OCI defaults
	if cfg.OCI.Region != "us-phoenix-1" {
		t.Errorf("Expected default OCI Region, got %s", cfg.OCI.Region)
	}

	// Verify OpenStack defaults
	if cfg.OpenStack.DomainName != "Default" {
		t.Errorf("Expected default OpenStack DomainName, got %s", cfg.OpenStack.DomainName)
	}

	// Verify Alibaba Cloud defaults
	if cfg.AlibabaCloud.RegionID != "cn-hangzhou" {
		t.Errorf("Expected default Alibaba Cloud RegionID, got %s", cfg.AlibabaCloud.RegionID)
	}

	// Verify Proxmox defaults
	if cfg.Proxmox.Port != 8006 {
		t.Errorf("Expected default Proxmox Port, got %d", cfg.Proxmox.Port)
	}
}

func TestMergeWithEnv_AllFields(t *testing.T) {
	// Set comprehensive environment variables
	os.Setenv("GOVC_URL", "https://env.vcenter.com/sdk")
	os.Setenv("GOVC_USERNAME", "envuser")
	os.Setenv("GOVC_PASSWORD", "envpass")
	os.Setenv("GOVC_INSECURE", "1")
	os.Setenv("DOWNLOAD_WORKERS", "10")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("DAEMON_ADDR", "0.0.0.0:9999")
	defer func() {
		os.Unsetenv("GOVC_URL")
		os.Unsetenv("GOVC_USERNAME")
		os.Unsetenv("GOVC_PASSWORD")
		os.Unsetenv("GOVC_INSECURE")
		os.Unsetenv("DOWNLOAD_WORKERS")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("DAEMON_ADDR")
	}()

	// Create base config with different values
	cfg := &Config{
		VCenterURL:      "https://file.vcenter.com/sdk",
		Username:        "fileuser",
		Password:        "filepass",
		Insecure:        false,
		DownloadWorkers: 3,
		RetryAttempts:   3,
		LogLevel:        "info",
		DaemonAddr:      "localhost:8080",
	}

	merged := cfg.MergeWithEnv()

	// Verify env values override config values where supported
	if merged.VCenterURL != "https://env.vcenter.com/sdk" {
		t.Errorf("Expected env VCenterURL, got '%s'", merged.VCenterURL)
	}
	if merged.Username != "envuser" {
		t.Errorf("Expected env Username, got '%s'", merged.Username)
	}
	if merged.Password != "envpass" {
		t.Errorf("Expected env Password, got '%s'", merged.Password)
	}
	if !merged.Insecure {
		t.Error("Expected env Insecure to be true")
	}
	if merged.DownloadWorkers != 10 {
		t.Errorf("Expected env DownloadWorkers 10, got %d", merged.DownloadWorkers)
	}
	// RetryAttempts is not merged from env, should remain from config
	if merged.RetryAttempts != 3 {
		t.Errorf("Expected config RetryAttempts 3, got %d", merged.RetryAttempts)
	}
	if merged.LogLevel != "debug" {
		t.Errorf("Expected env LogLevel, got '%s'", merged.LogLevel)
	}
	if merged.DaemonAddr != "0.0.0.0:9999" {
		t.Errorf("Expected env DaemonAddr, got '%s'", merged.DaemonAddr)
	}
}
