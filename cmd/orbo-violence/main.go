// orbo-violence is the multi-stream violence-detection service: frame
// ingestion, sliding-window inference, event detection, clip recording,
// and the HTTP/WebSocket control plane.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"orbo-violence/internal/broadcast"
	"orbo-violence/internal/capture"
	"orbo-violence/internal/classifier"
	"orbo-violence/internal/clip"
	"orbo-violence/internal/config"
	"orbo-violence/internal/httpapi"
	"orbo-violence/internal/pipeline"
	"orbo-violence/internal/store"
	"orbo-violence/internal/streammgr"
)

const (
	storeOpenAttempts = 5
	storeOpenBackoff  = 3 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.Info().Str("addr", cfg.Addr()).Msg("starting orbo-violence")

	st, err := openStore(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("repository unreachable, giving up")
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Error().Err(err).Msg("migration failed")
		os.Exit(1)
	}

	hub := broadcast.New(log)

	cls := classifier.NewHTTPClient(classifier.HTTPConfig{
		Endpoint: cfg.MLServiceURL,
		Timeout:  cfg.MLServiceTimeout(),
	})
	defer cls.Close()

	recorder := clip.New(clip.Config{ClipsDir: cfg.ClipsDir}, log)
	// nil BoxDetector: the person-capture hook stays disabled unless a
	// detector service is wired in.
	hook := capture.New(capture.Config{ClipsDir: cfg.ClipsDir}, nil, log)

	deps := pipeline.Deps{
		Classifier: cls,
		Recorder:   recorder,
		Capture:    hook,
		Store:      st,
		Hub:        hub,
		Scheduler: pipeline.SchedulerConfig{
			InferenceInterval:   cfg.InferenceInterval(),
			ClassifierTimeout:   cfg.MLServiceTimeout(),
			FrameWindow:         cfg.FrameSampleRate,
			MotionVetoEnabled:   cfg.MotionVetoEnabled,
			MotionVetoThreshold: cfg.MotionVetoThreshold,
		},
		Tunables: pipeline.Tunables{
			Threshold:         cfg.ViolenceThreshold,
			AlertThreshold:    cfg.ViolenceAlertThreshold,
			MinConsecutive:    cfg.MinConsecutiveFrames,
			ClipBeforeSeconds: cfg.ClipDurationBefore,
			ClipAfterSeconds:  cfg.ClipDurationAfter,
			CooldownSeconds:   cfg.AlertCooldownSeconds,
			BufferCapacity:    cfg.FrameBufferSize,
		},
		Log: log,
	}

	manager := streammgr.New(deps, streammgr.Defaults{TargetFPS: cfg.TargetFPS}, nil, log)
	if err := manager.LoadPersisted(); err != nil {
		log.Warn().Err(err).Msg("loading persisted streams failed")
	}

	api := httpapi.New(manager, st, hub, cls, httpapi.ModelInfo{
		Threshold:      cfg.ViolenceThreshold,
		AlertThreshold: cfg.ViolenceAlertThreshold,
		CadenceMs:      int64(cfg.InferenceIntervalMs),
		Device:         cfg.ModelDevice,
	}, cfg.ClipsDir, log)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Error().Err(err).Msg("HTTP server failed")
		manager.StopAll()
		os.Exit(1)
	case sig := <-sigc:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	// Stop streams first so in-flight events are force-finalized before
	// the process exits.
	manager.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Debug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    1024, // MB
			MaxBackups: 5,
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// openStore retries the repository connection on startup before the
// process gives up and exits non-zero.
func openStore(cfg config.Config, log zerolog.Logger) (*store.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= storeOpenAttempts; attempt++ {
		st, err := store.Open(cfg.DatabaseURL)
		if err == nil {
			return st, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("opening repository failed, retrying")
		time.Sleep(storeOpenBackoff)
	}
	return nil, lastErr
}
