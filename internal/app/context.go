package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/canukguy1974/franky-ai/internal/capability"
	"github.com/canukguy1974/franky-ai/internal/config"
	"github.com/canukguy1974/franky-ai/internal/db"
	"github.com/canukguy1974/franky-ai/internal/engine"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/metrics"
	"github.com/canukguy1974/franky-ai/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/franky.yml.
	ConfigPath string
	// LogLevel overrides logging.level from the config when set.
	LogLevel  string
	LogOutput io.Writer
	Metrics   bool
}

// Session is an engine opened over a workspace database.
type Session struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger logger.Logger
}

// LoadConfig resolves the config for a workspace: an explicit path wins,
// otherwise franky.yml in the workspace, otherwise the defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", config.Path(workspace), err)
	}
	return cfg, nil
}

// Open loads config, opens and migrates the workspace database, builds the
// capability registry and wires the engine.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	lc := logger.DefaultConfig()
	lc.Level = logger.LogLevel(level)
	lc.JSON = cfg.Logging.JSON
	if opts.LogOutput != nil {
		lc.Output = opts.LogOutput
	}
	log := logger.New(lc)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	caps, err := capability.Build(cfg.Capabilities, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, caps)
	e.Logger = log
	if opts.Metrics {
		e.Metrics = metrics.New()
	}
	return &Session{DB: conn, Config: cfg, Engine: e, Logger: log}, nil
}

// Close stops in-flight project runs, waits up to the scheduler's cancel
// grace for them to unwind and closes the database.
func (s *Session) Close() error {
	if stopped := s.Engine.Runs.StopAll(); len(stopped) > 0 {
		s.Logger.Info("stopping project runs", "projects", stopped)
		grace := s.Config.Scheduler.CancelGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		for _, id := range stopped {
			if err := s.Engine.Runs.Wait(ctx, id); err != nil {
				s.Logger.Warn("project run did not stop in time", "project", id, "err", err)
			}
		}
	}
	return s.DB.Close()
}
