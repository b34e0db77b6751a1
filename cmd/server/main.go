package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shipyard.ai/internal/persistence/cellstore"
	"shipyard.ai/internal/sim/registry"
	"shipyard.ai/internal/sim/terrain/store"
	"shipyard.ai/internal/sim/tuning"
	"shipyard.ai/internal/sim/world"
	"shipyard.ai/internal/transport/observer"
)

func main() {
	var (
		tuningPath  = flag.String("tuning", "./configs/tuning.yaml", "path to tuning file (.yaml or .toml)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		addr        = flag.String("addr", "", "observer http listen address (overrides tuning observer.listen)")
		logLevel    = flag.String("log_level", "", "log level (overrides tuning logging.level)")
		allowRemote = flag.Bool("allow_remote_observers", false, "accept observer websockets from non-loopback addresses")
	)
	flag.Parse()

	tune := tuning.Defaults()
	if _, err := os.Stat(*tuningPath); err == nil {
		t, err := tuning.Load(*tuningPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = t
	}
	if s := strings.TrimSpace(*addr); s != "" {
		tune.Observer.Listen = s
	}
	if s := strings.TrimSpace(*logLevel); s != "" {
		tune.Logging.Level = s
	}

	log, err := newLogger(tune.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(tune, *dataDir, *allowRemote, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(tune tuning.Tuning, dataDir string, allowRemote bool, log *zap.Logger) error {
	worldDir := filepath.Join(dataDir, "worlds", tune.WorldID)
	db, err := cellstore.OpenSQLite(filepath.Join(worldDir, "world.sqlite"))
	if err != nil {
		return fmt.Errorf("open world db: %w", err)
	}
	defer db.Close()

	loop := world.NewLoop(world.LoopConfig{TickRateHz: tune.TickRateHz, QueueSize: tune.LoopQueue}, log.Named("loop"))
	reg := registry.New(log.Named("registry"))
	st := store.New(tune.StoreParams(), db)
	tracker := world.NewTracker(loop.Tick)
	sess := world.NewSession(world.SessionDeps{
		Loop:           loop,
		Registry:       reg,
		Store:          st,
		Tracker:        tracker,
		Meta:           db,
		Log:            log.Named("session"),
		MaxClaimRadius: tune.MaxClaimRadius,
	})

	obs := observer.NewServer(reg, log.Named("observer"), observer.Options{
		QueueSize:   tune.Observer.QueueSize,
		AllowRemote: allowRemote,
		Blocks:      sess,
	})
	tracker.Subscribe(obs)

	if tune.SaveEveryTicks > 0 {
		every := uint64(tune.SaveEveryTicks)
		loop.OnTick(func(ctx context.Context, tick uint64) {
			if tick%every != 0 {
				return
			}
			if _, err := sess.Save(ctx); err != nil {
				log.Error("autosave failed", zap.Uint64("tick", tick), zap.Error(err))
			}
		})
	}

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()

	// A corrupt registry is logged by the registry itself; the world keeps
	// running with an empty one.
	if err := sess.Restore(gctx); err != nil && !errors.Is(err, registry.ErrDeserialization) {
		stopLoop()
		<-loopDone
		return fmt.Errorf("restore: %w", err)
	}
	if n, warnings, err := sess.RehydrateAll(gctx); err != nil {
		log.Warn("some claimants could not be rehydrated", zap.Int("ok", n), zap.Error(err))
	} else if len(warnings) > 0 {
		log.Warn("rehydrated with degraded cells", zap.Int("claimants", n), zap.Int("cells", len(warnings)))
	}

	srv := &http.Server{
		Addr:              tune.Observer.Listen,
		Handler:           obs.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("observer listening", zap.String("addr", srv.Addr), zap.String("world", tune.WorldID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		select {
		case err := <-loopDone:
			if err == nil {
				err = errors.New("coordination loop exited")
			}
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()

	// Final save runs on the still-live loop before it is stopped.
	saveCtx, cancelSave := context.WithTimeout(context.Background(), 30*time.Second)
	if _, serr := sess.Save(saveCtx); serr != nil {
		log.Error("final save failed", zap.Error(serr))
	}
	cancelSave()
	stopLoop()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped cleanly")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		<-ch
		os.Exit(1)
	}()
	return ctx, cancel
}
