// Package doctor runs local diagnostics against a todochat install.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/todo-chat/internal/config"
	"github.com/basket/todo-chat/internal/cron"
	"github.com/basket/todo-chat/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options selects optional checks.
type Options struct {
	SkipNetwork bool
}

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuth,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkBackups,
	}
	if !opts.SkipNetwork {
		checks = append(checks, checkNetwork)
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Auth.JWTSecret == "" {
		return CheckResult{
			Name:    "Auth",
			Status:  StatusFail,
			Message: "No JWT secret configured; the server will not start",
			Detail:  "Set JWT_SECRET_KEY or auth.jwt_secret in config.yaml",
		}
	}
	return CheckResult{Name: "Auth", Status: StatusPass, Message: "JWT secret configured"}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if cfg.LLMAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key found for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s; chat will answer with a fixed notice", provider),
		Detail:  fmt.Sprintf("Set providers.%s.api_key in config.yaml or the provider's env var", provider),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema version %d", version),
		Detail:  fmt.Sprintf("path=%s, checksum=%s", cfg.DBPath, checksum),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := probeWritable(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkBackups(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backups", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Backup.Enabled {
		return CheckResult{Name: "Backups", Status: StatusSkip, Message: "Scheduled backups disabled"}
	}
	next, err := cron.NextRunTime(cfg.Backup.Schedule, time.Now().UTC())
	if err != nil {
		return CheckResult{Name: "Backups", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.Backup.Schedule, err)}
	}
	if err := os.MkdirAll(cfg.Backup.Dir, 0o755); err != nil {
		return CheckResult{Name: "Backups", Status: StatusFail, Message: fmt.Sprintf("Backup dir unusable: %v", err)}
	}
	if err := probeWritable(cfg.Backup.Dir); err != nil {
		return CheckResult{Name: "Backups", Status: StatusFail, Message: fmt.Sprintf("Backup dir unwritable: %v", err)}
	}
	return CheckResult{
		Name:    "Backups",
		Status:  StatusPass,
		Message: fmt.Sprintf("Next backup at %s", next.Format(time.RFC3339)),
		Detail:  fmt.Sprintf("dir=%s, keep=%d", cfg.Backup.Dir, cfg.Backup.Keep),
	}
}

func probeWritable(dir string) error {
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return err
	}
	return os.Remove(testFile)
}

// providerHosts are the API hosts resolved by the network check.
var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
	"groq":       "api.groq.com",
}

// endpointHost returns the host the configured provider talks to. A base
// URL override wins over the provider default.
func endpointHost(cfg *config.Config) (string, bool) {
	if base := cfg.ProviderBaseURL(cfg.LLM.Provider); base != "" {
		if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
			return u.Hostname(), true
		}
	}
	host, ok := providerHosts[cfg.LLM.Provider]
	return host, ok
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host, ok := endpointHost(cfg)
	if !ok {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No endpoint known for provider %q", cfg.LLM.Provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.LLM.Provider, addrs),
	}
}
