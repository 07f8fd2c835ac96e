package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr     string
	AllowedOrigins []string

	RedisURL    string
	DatabaseURL string

	IdentityBaseURL string
	AllowAnonymous  bool

	PresetDir string

	ReconnectGraceSec  int
	RetentionSec       int
	ArchiveTTLSec      int
	MatchInitialWindow int
	MatchMaxWindow     int
	MatchWindowStepSec int
	MatchMaxWaitSec    int
	MatchSweepSec      int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8080",
		ReconnectGraceSec:  30,
		RetentionSec:       300,
		ArchiveTTLSec:      86400,
		MatchInitialWindow: 50,
		MatchMaxWindow:     800,
		MatchWindowStepSec: 10,
		MatchMaxWaitSec:    120,
		MatchSweepSec:      2,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		parts := strings.Split(v, ",")
		for _, p := range parts {
			s := strings.TrimSpace(p)
			if s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.IdentityBaseURL = strings.TrimSpace(os.Getenv("IDENTITY_BASE_URL"))
	cfg.PresetDir = strings.TrimSpace(os.Getenv("TC_PRESET_DIR"))

	if v := strings.TrimSpace(os.Getenv("ALLOW_ANONYMOUS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.AllowAnonymous = b
		}
	}

	if v := strings.TrimSpace(os.Getenv("RECONNECT_GRACE_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReconnectGraceSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SESSION_RETENTION_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_TTL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ArchiveTTLSec = n
		}
	}

	// Matchmaking tunables
	if v := strings.TrimSpace(os.Getenv("MATCH_INITIAL_WINDOW")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MatchInitialWindow = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MATCH_MAX_WINDOW")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MatchMaxWindow = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MATCH_WINDOW_STEP_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MatchWindowStepSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MATCH_MAX_WAIT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MatchMaxWaitSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MATCH_SWEEP_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MatchSweepSec = n
		}
	}

	if cfg.IdentityBaseURL == "" && !cfg.AllowAnonymous {
		return nil, errors.New("IDENTITY_BASE_URL is required unless ALLOW_ANONYMOUS=true")
	}

	return cfg, nil
}

func (c *AppConfig) ReconnectGrace() time.Duration {
	return time.Duration(c.ReconnectGraceSec) * time.Second
}

func (c *AppConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSec) * time.Second
}

func (c *AppConfig) ArchiveTTL() time.Duration {
	return time.Duration(c.ArchiveTTLSec) * time.Second
}
