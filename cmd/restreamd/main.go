package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stromdal/restream/buffer"
	"github.com/stromdal/restream/config"
	"github.com/stromdal/restream/server"
	"github.com/stromdal/restream/store"
)

func main() {
	configPath := flag.String("config", "restream.json", "path to config file")
	flag.Parse()

	if flag.NArg() != 0 {
		panic("unexpected positional arguments")
	}
	if *configPath == "" {
		panic("config path must not be empty")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath, log)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := store.OpenSQLite(cfg.StatePath)
	if err != nil {
		log.Error("open state store", "path", cfg.StatePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	buf := buffer.New(buffer.Options{
		Retention:     time.Duration(cfg.Buffer.RetentionSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Buffer.SweepIntervalSeconds) * time.Second,
		Logger:        log,
		OnEvict: func(id string, frames []string, completedAt time.Time) error {
			return db.PutExecution(id, frames, completedAt)
		},
	})

	srv := server.New(cfg.Server, buf, db, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go buf.Run(ctx)

	log.Info("restreamd listening", "addr", cfg.Server.Listen)
	if err := srv.Start(ctx); err != nil {
		log.Error("server", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// loadConfig reads the config file, persisting the defaults on first run
// so operators have a file to edit.
func loadConfig(path string, log *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := config.Default()
		if err := config.Save(path, *cfg); err != nil {
			return nil, err
		}
		log.Info("wrote default config", "path", path)
		return cfg, nil
	}
	return config.Load(path)
}
