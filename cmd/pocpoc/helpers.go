package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	pocpoc "github.com/Hoang18769/pocpoc-sub004"
)

// newLogger returns a console logger on stderr. Without --verbose only
// warnings and errors are printed.
func newLogger() *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeName:   zapcore.FullNameEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// sessionPath returns the bbolt file holding the login session.
func sessionPath(cfg *Config) (string, error) {
	if cfg.Default.SessionFile != "" {
		return cfg.Default.SessionFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.db"), nil
}

// realtimeConfig converts the [realtime] section. Empty values keep the
// library defaults.
func realtimeConfig(cfg *Config) (pocpoc.RealtimeConfig, error) {
	rc := pocpoc.RealtimeConfig{MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts}
	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"realtime.reconnect_delay", cfg.Realtime.ReconnectDelay, &rc.ReconnectDelay},
		{"realtime.heartbeat", cfg.Realtime.Heartbeat, &rc.HeartbeatInterval},
		{"realtime.token_wait", cfg.Realtime.TokenWait, &rc.TokenWait},
	} {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return rc, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return rc, nil
}

// openRuntime loads the config and builds a Runtime over the persisted session.
func openRuntime() (*pocpoc.Runtime, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	path, err := sessionPath(cfg)
	if err != nil {
		return nil, nil, err
	}
	rc, err := realtimeConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	rt, err := pocpoc.NewRuntime(pocpoc.RuntimeConfig{
		BaseURL:     cfg.Default.BaseURL,
		WSURL:       cfg.Default.WSURL,
		SessionPath: path,
		Realtime:    rc,
		Logger:      newLogger(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}
	return rt, cfg, nil
}

// requireLogin opens the runtime and fails unless a session is stored.
func requireLogin() (*pocpoc.Runtime, error) {
	rt, _, err := openRuntime()
	if err != nil {
		return nil, err
	}
	if _, ok := rt.Tokens.Token(); !ok {
		_ = rt.Close()
		return nil, fmt.Errorf("not logged in; run 'pocpoc login --token <jwt>' first")
	}
	return rt, nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
