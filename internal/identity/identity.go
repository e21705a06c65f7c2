// Package identity loads the WorkerIdentity: the process-wide immutable
// configuration assigned to an Edit Worker at startup.
package identity

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML overlay an operator may mount into the
// container. Every field here can also be set (and is overridden) by an
// environment variable of the same name, uppercased and prefixed EDITWORKER_.
type Config struct {
	WorkspaceRoot                 string `yaml:"workspace_root"`
	UnclaimedQueueURL             string `yaml:"unclaimed_queue_url"`
	OwnedWorkQueueURLPattern      string `yaml:"owned_work_queue_url_pattern"`
	OwnedInterruptQueueURLPattern string `yaml:"owned_interrupt_queue_url_pattern"`
	OwnershipTable                string `yaml:"ownership_table"`
	ActiveJobTable                string `yaml:"active_job_table"`
	GitCredential                 string `yaml:"git_credential"`
	PushEnabled                   *bool  `yaml:"push_enabled"`
	PushRetryCount                int    `yaml:"push_retry_count"`
	HeartbeatPeriodSeconds        int    `yaml:"heartbeat_period_seconds"`
	VisibilityExtendPeriodSeconds int    `yaml:"visibility_extend_period_seconds"`
	LeaseDurationSeconds          int    `yaml:"lease_duration_seconds"`
	LeaseRefreshPeriodSeconds     int    `yaml:"lease_refresh_period_seconds"`
	AbortGracePeriodSeconds       int    `yaml:"abort_grace_period_seconds"`
}

// WorkerIdentity is the resolved, process-wide configuration of an Edit
// Worker. It is assigned once at startup and never changes for the lifetime
// of the process.
type WorkerIdentity struct {
	WorkerID string

	WorkspaceRoot                 string
	UnclaimedQueueURL             string
	OwnedWorkQueueURLPattern      string
	OwnedInterruptQueueURLPattern string
	OwnershipTable                string
	ActiveJobTable                string
	GitCredential                 string

	PushEnabled bool

	HeartbeatPeriod        time.Duration
	VisibilityExtendPeriod time.Duration
	LeaseDuration          time.Duration
	LeaseRefreshPeriod     time.Duration
	AbortGracePeriod       time.Duration
	PushRetryCount         int
}

// LoadConfig reads the optional YAML overlay at path. A missing file is not
// an error — env vars and defaults still apply.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves a WorkerIdentity from the given YAML overlay plus
// environment variables, with environment variables always winning. A fresh
// WorkerID is minted on each process start.
func Load(overlay Config) (WorkerIdentity, error) {
	w := WorkerIdentity{
		WorkerID:                      uuid.NewString(),
		WorkspaceRoot:                 firstNonEmpty(os.Getenv("EDITWORKER_WORKSPACE_ROOT"), overlay.WorkspaceRoot, "/var/lib/editworker/workspaces"),
		UnclaimedQueueURL:             firstNonEmpty(os.Getenv("EDITWORKER_UNCLAIMED_QUEUE_URL"), overlay.UnclaimedQueueURL),
		OwnedWorkQueueURLPattern:      firstNonEmpty(os.Getenv("EDITWORKER_OWNED_WORK_QUEUE_URL_PATTERN"), overlay.OwnedWorkQueueURLPattern, "work:%s#%s"),
		OwnedInterruptQueueURLPattern: firstNonEmpty(os.Getenv("EDITWORKER_OWNED_INTERRUPT_QUEUE_URL_PATTERN"), overlay.OwnedInterruptQueueURLPattern, "interrupt:%s#%s"),
		OwnershipTable:                firstNonEmpty(os.Getenv("EDITWORKER_OWNERSHIP_TABLE"), overlay.OwnershipTable, "ownership"),
		ActiveJobTable:                firstNonEmpty(os.Getenv("EDITWORKER_ACTIVE_JOB_TABLE"), overlay.ActiveJobTable, "active_job"),
		GitCredential:                 firstNonEmpty(os.Getenv("EDITWORKER_GIT_CREDENTIAL"), overlay.GitCredential),
	}

	if w.UnclaimedQueueURL == "" {
		return WorkerIdentity{}, fmt.Errorf("EDITWORKER_UNCLAIMED_QUEUE_URL is required")
	}

	pushEnabled := true
	if v, ok := os.LookupEnv("EDITWORKER_PUSH_ENABLED"); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return WorkerIdentity{}, fmt.Errorf("parsing EDITWORKER_PUSH_ENABLED: %w", err)
		}
		pushEnabled = parsed
	} else if overlay.PushEnabled != nil {
		pushEnabled = *overlay.PushEnabled
	}
	w.PushEnabled = pushEnabled

	w.PushRetryCount = envOrInt("EDITWORKER_PUSH_RETRY_COUNT", overlay.PushRetryCount, 3)
	w.HeartbeatPeriod = envOrSeconds("EDITWORKER_HEARTBEAT_PERIOD_SECONDS", overlay.HeartbeatPeriodSeconds, 20*time.Second)
	w.VisibilityExtendPeriod = envOrSeconds("EDITWORKER_VISIBILITY_EXTEND_PERIOD_SECONDS", overlay.VisibilityExtendPeriodSeconds, 30*time.Second)
	w.LeaseDuration = envOrSeconds("EDITWORKER_LEASE_DURATION_SECONDS", overlay.LeaseDurationSeconds, 60*time.Second)
	w.LeaseRefreshPeriod = envOrSeconds("EDITWORKER_LEASE_REFRESH_PERIOD_SECONDS", overlay.LeaseRefreshPeriodSeconds, 20*time.Second)
	w.AbortGracePeriod = envOrSeconds("EDITWORKER_ABORT_GRACE_PERIOD_SECONDS", overlay.AbortGracePeriodSeconds, 8*time.Second)

	return w, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrInt(key string, overlay, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if overlay != 0 {
		return overlay
	}
	return def
}

func envOrSeconds(key string, overlay int, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if overlay != 0 {
		return time.Duration(overlay) * time.Second
	}
	return def
}
