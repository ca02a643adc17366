package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/engine"
	"revline/internal/metrics"
	"revline/internal/migrate"
	"revline/internal/notify"
)

// NewLogger builds the process logger. Console output is used unless json
// is set.
func NewLogger(w io.Writer, level string, json bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "revline").Logger()
}

// Options configure a Runtime.
type Options struct {
	Workspace string
	Logger    zerolog.Logger
	NATSURL   string

	// SubjectPrefix is the fallback NATS prefix for notifications whose
	// project config sets none.
	SubjectPrefix string

	// QueueSize enables background notification delivery when > 0.
	QueueSize int

	// Sinks are added after the log sink and the optional NATS sink.
	Sinks []notify.Sink
}

// Runtime owns the DB handle, the engine and its collaborators.
type Runtime struct {
	DB      *sql.DB
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	// FileConfig is the workspace revline.yml, nil when absent.
	FileConfig *config.Config

	nc *nats.Conn
}

// Open opens and migrates the workspace DB and wires the engine with
// logging, metrics and notification sinks.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	fileCfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}

	rt := &Runtime{DB: conn, Metrics: metrics.New(), Log: opts.Logger, FileConfig: fileCfg}
	sinks := []notify.Sink{notify.LogSink{Log: opts.Logger.With().Str("component", "notify").Logger()}}
	if opts.NATSURL != "" {
		nc, err := notify.ConnectNATS(opts.NATSURL, opts.Logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		rt.nc = nc
		prefix := opts.SubjectPrefix
		if prefix == "" && fileCfg != nil {
			prefix = fileCfg.Notifications.SubjectPrefix
		}
		sinks = append(sinks, notify.NewNATSSink(nc, prefix))
	}
	sinks = append(sinks, opts.Sinks...)

	eng := engine.New(conn, fileCfg)
	eng.Log = opts.Logger.With().Str("component", "engine").Logger()
	eng.Metrics = rt.Metrics
	eng.Notifier = notify.NewDispatcher(opts.Logger, rt.Metrics, sinks...)
	if opts.QueueSize > 0 {
		eng.Notifier.Start(opts.QueueSize)
	}
	rt.Engine = eng
	return rt, nil
}

// ResolveProject picks the active project for project-scoped commands.
func (rt *Runtime) ResolveProject(ctx context.Context, override, actorID string) (string, error) {
	projectID, _, err := ResolveProjectAndConfig(ctx, rt.Engine, override, actorID, rt.FileConfig)
	return projectID, err
}

// Close drains queued notifications before closing NATS and the DB.
func (rt *Runtime) Close() error {
	rt.Engine.Notifier.Close()
	if rt.nc != nil {
		rt.nc.Close()
	}
	return rt.DB.Close()
}
