// Package main provides the entry point for the live image tracker: frames
// from a camera or video file are tracked against the targets of a
// manifest and the outputs are streamed to websocket renderers.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"image-tracker/internal/app"
	"image-tracker/internal/config"
	"image-tracker/internal/logging"
	"image-tracker/internal/project"
	"image-tracker/internal/stream"
	"image-tracker/internal/tracker"
	"image-tracker/internal/version"
	"image-tracker/internal/vision/cvbackend"
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Caller: true})
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetDefault(logger)
	log := logging.Component("main")
	log.WithFields(version.Fields()).Info("Starting image tracker")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Tracker stopped")
	}
	log.Info("Tracker stopped")
}

func run(cfg config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manifest, err := project.Load(cfg.Manifest)
	if err != nil {
		return err
	}

	detector := cvbackend.NewORBDetector(cvbackend.DefaultORBOptions())
	defer detector.Close()

	t, err := tracker.New(detector, cvbackend.BFMatcher{},
		tracker.WithSettings(cfg.Tracker),
		tracker.WithLogger(logging.Component("tracker")),
	)
	if err != nil {
		return err
	}
	if err := manifest.Populate(cfg.Manifest, t.Database()); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"manifest": cfg.Manifest,
		"targets":  t.Database().Len(),
	}).Info("Targets loaded")

	source, err := cvbackend.OpenVideoSource(cfg.Source)
	if err != nil {
		return err
	}
	if idx, ok := cfg.CameraIndex(); ok {
		log.WithField("camera", idx).Info("Capturing from camera")
	} else {
		log.WithFields(logrus.Fields{"file": cfg.Source, "fps": source.FPS()}).Info("Reading video file")
	}

	var opts []app.RunnerOption
	if cfg.Listen != "" {
		hub := stream.NewHub(logging.Component("stream"))
		defer hub.Close()
		server := &http.Server{Addr: cfg.Listen, Handler: hub, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Stream server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
			log.WithFields(logrus.Fields{
				"clients": hub.Clients(),
				"dropped": hub.Dropped(),
			}).Info("Stream server stopped")
		}()
		log.WithField("listen", cfg.Listen).Info("Streaming outputs")
		opts = append(opts, app.WithPublisher(hub))
	}

	runner, err := app.NewRunner(ctx, t, source, logging.Component("runner"), opts...)
	if err != nil {
		source.Close()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := runner.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to release tracker")
		}
	}()

	if cfg.WatchInterval > 0 {
		watcher, err := app.NewWatcher(cfg.Manifest, time.Duration(cfg.WatchInterval))
		if err != nil {
			return err
		}
		watcher.OnChange(func() {
			if err := runner.Reload(cfg.Manifest); err != nil {
				log.WithError(err).Error("Failed to reload targets")
			}
		})
		watcher.Start()
		defer watcher.Stop()
		log.WithField("manifest", watcher.Path()).Info("Watching targets")
	}

	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
