package settings

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config collects the runtime knobs of the marketplace. Values come from the
// environment (a .env file is honored when present); missing keys fall back
// to defaults.
type Config struct {
	// ScanCap bounds how many active records a single query may scan. The
	// engine's full-scan design makes per-query cost linear in the active
	// set, so this is the backpressure control. It is also capped by the
	// accumulator overflow bound (see ScanCap in params.go).
	ScanCap int
	// QueryFee is the minimum payment a query must attach.
	QueryFee uint64
	// PatientShareBps is the share of a query payment split among the
	// owners of considered records, in basis points.
	PatientShareBps uint64
	// Platform is the principal credited with the platform share and any
	// rounding remainder.
	Platform string
	// DBPath is the bbolt file backing the record store. Empty runs the
	// store in memory only.
	DBPath string
	// LogFile redirects logging when non-empty.
	LogFile string
}

const (
	DefaultScanCap         = 1 << 10
	DefaultQueryFee        = uint64(100)
	DefaultPatientShareBps = uint64(7000)
	DefaultPlatform        = "platform"
)

// LoadConfig reads configuration from the environment, loading a .env file
// from dir first when one exists.
func LoadConfig(dir string) Config {
	godotenv.Load(dir + "/.env")
	cfg := Config{
		ScanCap:         envInt("CH_SCAN_CAP", DefaultScanCap),
		QueryFee:        envUint("CH_QUERY_FEE", DefaultQueryFee),
		PatientShareBps: envUint("CH_PATIENT_SHARE_BPS", DefaultPatientShareBps),
		Platform:        envStr("CH_PLATFORM", DefaultPlatform),
		DBPath:          envStr("CH_DB_PATH", ""),
		LogFile:         envStr("CH_LOG_FILE", ""),
	}
	if overflowCap := ScanCap(MaxBiomarker); cfg.ScanCap > overflowCap {
		cfg.ScanCap = overflowCap
	}
	if cfg.PatientShareBps > 10000 {
		cfg.PatientShareBps = 10000
	}
	return cfg
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	cfg := Config{
		ScanCap:         DefaultScanCap,
		QueryFee:        DefaultQueryFee,
		PatientShareBps: DefaultPatientShareBps,
		Platform:        DefaultPlatform,
	}
	if overflowCap := ScanCap(MaxBiomarker); cfg.ScanCap > overflowCap {
		cfg.ScanCap = overflowCap
	}
	return cfg
}

// MaxFieldValue is the largest plaintext value representable in width bits,
// clamped to the plaintext modulus.
func MaxFieldValue(width int) uint64 {
	if width >= 64 {
		return T - 1
	}
	v := (uint64(1) << uint(width)) - 1
	if v > T-1 {
		return T - 1
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
