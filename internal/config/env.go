// Package config handles environment-based configuration loading.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// LeasePolicy selects how the lease engine commits allocations.
type LeasePolicy string

// Lease engine commit policies.
const (
	// LeasePolicyCombined commits lease and ack in a single transaction; the
	// separate ack endpoint stays idempotent for legacy clients.
	LeasePolicyCombined LeasePolicy = "combined"
	// LeasePolicyDeferred leaves items leased until an explicit ack.
	LeasePolicyDeferred LeasePolicy = "deferred"
)

// IsValid reports whether p is a known lease policy.
func (p LeasePolicy) IsValid() bool {
	return p == LeasePolicyCombined || p == LeasePolicyDeferred
}

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int

	// Auth
	AdminTokenSHA256 string // hex sha256 of the admin bearer token
	CronSecret       string // shared secret for cron-initiated endpoints; "" disables them

	// Lease engine
	LeasePolicy  LeasePolicy
	LeaseTTL     time.Duration
	MaxBatchSize int

	// Stock producer
	ProduceBatchSize    int
	LowWatermark        int
	SuffixTTL           time.Duration
	StockConcurrency    int
	CampaignConcurrency int
	AllowMockSuffix     bool

	// Dynamic watermark
	WatermarkWindow       time.Duration
	WatermarkSafetyFactor float64
	WatermarkDefault      int
	WatermarkMin          int
	WatermarkMax          int

	// Jobs
	JobTickersEnabled bool
	ReplenishInterval time.Duration
	AlertInterval     time.Duration
	ClickTickInterval time.Duration

	// Alerting
	AlertWebhookURL string

	// Tracker / proxies
	TraceRequestTimeout time.Duration
	TraceTotalTimeout   time.Duration
	TraceMaxRedirects   int

	// Optional resources
	GeoIPDBPath   string
	ProvidersFile string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("ROTOR_STATE_DIR", "/var/lib/rotor")
	cfg.ListenAddress = strings.TrimSpace(envStr("ROTOR_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("ROTOR_PORT", 8400, &errs)
	cfg.APIMaxBodyBytes = envInt("ROTOR_API_MAX_BODY_BYTES", 1<<20, &errs)

	adminHash, hasAdminHash := os.LookupEnv("ROTOR_ADMIN_TOKEN_SHA256")
	cfg.AdminTokenSHA256 = strings.ToLower(strings.TrimSpace(adminHash))
	cronSecret, hasCronSecret := os.LookupEnv("ROTOR_CRON_SECRET")
	cfg.CronSecret = cronSecret

	cfg.LeasePolicy = LeasePolicy(envStr("ROTOR_LEASE_POLICY", string(LeasePolicyCombined)))
	cfg.LeaseTTL = envDuration("ROTOR_LEASE_TTL", 15*time.Minute, &errs)
	cfg.MaxBatchSize = envInt("ROTOR_MAX_BATCH_SIZE", 500, &errs)

	cfg.ProduceBatchSize = envInt("ROTOR_PRODUCE_BATCH_SIZE", 10, &errs)
	cfg.LowWatermark = envInt("ROTOR_LOW_WATERMARK", 3, &errs)
	cfg.SuffixTTL = envDuration("ROTOR_SUFFIX_TTL", 48*time.Hour, &errs)
	cfg.StockConcurrency = envInt("ROTOR_STOCK_CONCURRENCY", 5, &errs)
	cfg.CampaignConcurrency = envInt("ROTOR_CAMPAIGN_CONCURRENCY", 3, &errs)
	cfg.AllowMockSuffix = envBool("ROTOR_ALLOW_MOCK_SUFFIX", false, &errs)

	cfg.WatermarkWindow = envDuration("ROTOR_WATERMARK_WINDOW", 24*time.Hour, &errs)
	cfg.WatermarkSafetyFactor = envFloat("ROTOR_WATERMARK_SAFETY_FACTOR", 2, &errs)
	cfg.WatermarkDefault = envInt("ROTOR_WATERMARK_DEFAULT", 5, &errs)
	cfg.WatermarkMin = envInt("ROTOR_WATERMARK_MIN", 3, &errs)
	cfg.WatermarkMax = envInt("ROTOR_WATERMARK_MAX", 20, &errs)

	cfg.JobTickersEnabled = envBool("ROTOR_JOB_TICKERS_ENABLED", true, &errs)
	cfg.ReplenishInterval = envDuration("ROTOR_REPLENISH_INTERVAL", 10*time.Minute, &errs)
	cfg.AlertInterval = envDuration("ROTOR_ALERT_INTERVAL", 10*time.Minute, &errs)
	cfg.ClickTickInterval = envDuration("ROTOR_CLICK_TICK_INTERVAL", time.Minute, &errs)

	cfg.AlertWebhookURL = strings.TrimSpace(envStr("ROTOR_ALERT_WEBHOOK_URL", ""))

	cfg.TraceRequestTimeout = envDuration("ROTOR_TRACE_REQUEST_TIMEOUT", 25*time.Second, &errs)
	cfg.TraceTotalTimeout = envDuration("ROTOR_TRACE_TOTAL_TIMEOUT", 90*time.Second, &errs)
	cfg.TraceMaxRedirects = envInt("ROTOR_TRACE_MAX_REDIRECTS", 15, &errs)

	cfg.GeoIPDBPath = envStr("ROTOR_GEOIP_DB_PATH", "")
	cfg.ProvidersFile = envStr("ROTOR_PROVIDERS_FILE", "")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "ROTOR_LISTEN_ADDRESS must not be empty")
	}
	validatePort("ROTOR_PORT", cfg.Port, &errs)
	validatePositive("ROTOR_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if !hasAdminHash {
		errs = append(errs, "ROTOR_ADMIN_TOKEN_SHA256 must be defined")
	} else if cfg.AdminTokenSHA256 != "" {
		if raw, err := hex.DecodeString(cfg.AdminTokenSHA256); err != nil || len(raw) != 32 {
			errs = append(errs, "ROTOR_ADMIN_TOKEN_SHA256 must be 64 hex chars (sha-256)")
		}
	}
	if !hasCronSecret {
		errs = append(errs, "ROTOR_CRON_SECRET must be defined (can be empty to disable cron endpoints)")
	}

	if !cfg.LeasePolicy.IsValid() {
		errs = append(errs, fmt.Sprintf(
			"ROTOR_LEASE_POLICY: invalid value %q (allowed: %s, %s)",
			cfg.LeasePolicy, LeasePolicyCombined, LeasePolicyDeferred,
		))
	}
	validatePositiveDuration("ROTOR_LEASE_TTL", cfg.LeaseTTL, &errs)
	validatePositive("ROTOR_MAX_BATCH_SIZE", cfg.MaxBatchSize, &errs)

	validatePositive("ROTOR_PRODUCE_BATCH_SIZE", cfg.ProduceBatchSize, &errs)
	validatePositive("ROTOR_LOW_WATERMARK", cfg.LowWatermark, &errs)
	validatePositiveDuration("ROTOR_SUFFIX_TTL", cfg.SuffixTTL, &errs)
	validatePositive("ROTOR_STOCK_CONCURRENCY", cfg.StockConcurrency, &errs)
	validatePositive("ROTOR_CAMPAIGN_CONCURRENCY", cfg.CampaignConcurrency, &errs)

	validatePositiveDuration("ROTOR_WATERMARK_WINDOW", cfg.WatermarkWindow, &errs)
	if cfg.WatermarkSafetyFactor <= 0 {
		errs = append(errs, "ROTOR_WATERMARK_SAFETY_FACTOR must be positive")
	}
	validatePositive("ROTOR_WATERMARK_DEFAULT", cfg.WatermarkDefault, &errs)
	validatePositive("ROTOR_WATERMARK_MIN", cfg.WatermarkMin, &errs)
	validatePositive("ROTOR_WATERMARK_MAX", cfg.WatermarkMax, &errs)
	if cfg.WatermarkMin > cfg.WatermarkMax {
		errs = append(errs, "ROTOR_WATERMARK_MIN must be less than or equal to ROTOR_WATERMARK_MAX")
	}

	validatePositiveDuration("ROTOR_REPLENISH_INTERVAL", cfg.ReplenishInterval, &errs)
	validatePositiveDuration("ROTOR_ALERT_INTERVAL", cfg.AlertInterval, &errs)
	validatePositiveDuration("ROTOR_CLICK_TICK_INTERVAL", cfg.ClickTickInterval, &errs)

	validatePositiveDuration("ROTOR_TRACE_REQUEST_TIMEOUT", cfg.TraceRequestTimeout, &errs)
	validatePositiveDuration("ROTOR_TRACE_TOTAL_TIMEOUT", cfg.TraceTotalTimeout, &errs)
	validatePositive("ROTOR_TRACE_MAX_REDIRECTS", cfg.TraceMaxRedirects, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// CronSpec converts an interval into a robfig/cron schedule expression and
// validates it. Used by the job registry when tickers are enabled.
func CronSpec(interval time.Duration) (string, error) {
	spec := "@every " + interval.String()
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("invalid job interval %s: %w", interval, err)
	}
	return spec, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
