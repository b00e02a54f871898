// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transcend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/transcend/internal/logging"
	"github.com/creachadair/transcend/launcher"
	"github.com/creachadair/transcend/service"
)

// Main serves a transcended object if the current process was started as its
// owning process, and then exits. Otherwise Main returns immediately.
//
// Programs that transcend objects must call Main at the start of main, and
// test binaries at the start of TestMain, before any other work. The types of
// transcended objects must be registered by then, typically from package
// init functions.
func Main() {
	cfg, ok, err := launcher.CheckChild()
	if !ok {
		return
	}
	log := logging.New("owner")
	if err != nil {
		log.Error().Err(err).Msg("invalid owner configuration")
		os.Exit(2)
	}
	cfg.State, err = launcher.ReadState()
	if err != nil {
		log.Error().Err(err).Msg("read object state")
		os.Exit(2)
	}
	cfg.Logger = log

	// SIGTERM and SIGINT stop serving, which withdraws the registry entry.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	err = serveObject(ctx, cfg)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("serve")
		os.Exit(1)
	}
	os.Exit(0)
}

// serveObject rebuilds the object described by cfg and serves it until ctx
// ends or the service is closed.
func serveObject(ctx context.Context, cfg launcher.Config) error {
	obj, err := service.Decode(cfg.Kind, cfg.State)
	if err != nil {
		return err
	}
	svc, err := service.New(cfg.Name, obj, service.Options{
		Threads:     cfg.Threads,
		Registry:    cfg.RegistryPath,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return err
	}
	if _, err := svc.Listen(cfg.Host, cfg.Port); err != nil {
		return err
	}
	if err := svc.Publish(ctx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return svc.Serve(ctx)
}
