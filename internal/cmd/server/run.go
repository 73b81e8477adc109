package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfgpkg "github.com/histore/histore/internal/config"
	"github.com/histore/histore/internal/runtime"
	httpserver "github.com/histore/histore/internal/server/http"
	pebblestore "github.com/histore/histore/internal/storage/pebble"
	logpkg "github.com/histore/histore/pkg/log"
)

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// don't pass a signal-aware context still shut down cleanly.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{DataDir: storeDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval, Config: opts.Config})
	if err != nil {
		return err
	}
	defer rt.Close()

	level := logpkg.InfoLevel
	if l, err := logpkg.ParseLevel(os.Getenv("HISTORE_LOG_LEVEL")); err == nil {
		level = l
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if os.Getenv("HISTORE_LOG_FORMAT") == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	procLogger := logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormatter(formatter))

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("starting histore server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("level", level.String()),
	)

	hsrv := httpserver.New(rt, procLogger.With(logpkg.Component("http")))
	err = hsrv.ListenAndServe(sctx, opts.HTTPAddr)
	if err != nil && sctx.Err() == nil {
		return err
	}
	return nil
}
