// Package config loads Foundry's worker/server configuration from
// environment variables. Configuration loading is an external collaborator
// per the system spec, so this stays a small typed struct over os.Getenv
// rather than a full config framework.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-tunable setting a Foundry process reads
// at boot.
type Config struct {
	SharePath  string
	ProcessDir string

	Queues          []string
	ConcurrentTasks int
	PoolType        string // "solo" or "threads"

	TimeLimit      int
	RetryTimeLimit int

	CleanupEnabled bool
	CleanupDelay   int

	ArchiveMarkerTTL int

	MaxTasksBeforeShutdown int

	DisableNativeLibrary  bool
	LicenseHost           string
	LicensePort           int
	LicenseAcquireAtStart bool

	APIPort          int
	APIKeySHA256     string
	BrokerURL        string
	ResultBackendURL string
}

// Load reads configuration from the environment, applying the defaults
// documented in the system interface spec.
func Load() Config {
	return Config{
		SharePath:  getenv("SHARE_PATH", "./share"),
		ProcessDir: getenv("PROCESS_PATH", "./processes"),

		Queues:          splitList(getenv("QUEUE_NAME", "cpu")),
		ConcurrentTasks: getenvInt("CONCURRENT_TASKS", 1),
		PoolType:        getenv("POOL_TYPE", "solo"),

		TimeLimit:      getenvInt("PIXYZ_TIME_LIMIT", 2400),
		RetryTimeLimit: getenvInt("PIXYZ_RETRY_TIME_LIMIT", 3600),

		CleanupEnabled: getenvBool("CLEANUP_ENABLED", true),
		CleanupDelay:   getenvInt("CLEANUP_DELAY", 3*24*3600),

		ArchiveMarkerTTL: getenvInt("ARCHIVE_MARKER_TTL", 300),

		MaxTasksBeforeShutdown: getenvInt("MAX_TASKS_BEFORE_SHUTDOWN", 0),

		DisableNativeLibrary:  getenvBool("DISABLE_PIXYZ", false),
		LicenseHost:           getenv("LICENSE_HOST", ""),
		LicensePort:           getenvInt("LICENSE_PORT", 0),
		LicenseAcquireAtStart: getenvBool("LICENSE_ACQUIRE_AT_START", false),

		APIPort:          getenvInt("API_PORT", 8001),
		APIKeySHA256:     getenv("GOD_PASSWORD_SHA256", ""),
		BrokerURL:        getenv("BROKER_URL", "redis://127.0.0.1:6379/0"),
		ResultBackendURL: getenv("RESULT_BACKEND_URL", "redis://127.0.0.1:6379/1"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
