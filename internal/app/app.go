// Package app assembles the process: record store, message bus, helper
// endpoint, saga services, and the background endpoint. The serve command
// puts the HTTP gateway in front of it; the other commands talk to the bus
// directly.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-tryon-backend/internal/artifact"
	"github.com/tbourn/go-tryon-backend/internal/background"
	"github.com/tbourn/go-tryon-backend/internal/bus"
	"github.com/tbourn/go-tryon-backend/internal/config"
	"github.com/tbourn/go-tryon-backend/internal/events"
	"github.com/tbourn/go-tryon-backend/internal/gemini"
	"github.com/tbourn/go-tryon-backend/internal/helper"
	"github.com/tbourn/go-tryon-backend/internal/imaging"
	"github.com/tbourn/go-tryon-backend/internal/observability"
	"github.com/tbourn/go-tryon-backend/internal/quota"
	"github.com/tbourn/go-tryon-backend/internal/repo"
	"github.com/tbourn/go-tryon-backend/internal/services"
)

// App is a running set of components.
type App struct {
	Config     config.Config
	Log        zerolog.Logger
	Bus        *bus.Bus
	Store      repo.Store
	Background *background.Service

	closers []observability.ShutdownFunc
}

// Options override components, mainly for tests.
type Options struct {
	Store     repo.Store
	Generator services.Generator
	Artifacts artifact.Sink
}

// New builds and starts every component. On error, whatever was started
// is stopped again.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.Store = opts.Store
	if a.Store == nil {
		if a.Store, err = a.openStore(); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	sink := opts.Artifacts
	if sink == nil {
		if sink, err = artifact.New(ctx, cfg.Artifact, log); err != nil {
			return nil, fmt.Errorf("artifact sink: %w", err)
		}
	}

	emitter, closeEvents, err := events.NewEmitter(ctx, cfg.Events, log)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return closeEvents() })

	gen := opts.Generator
	if gen == nil {
		gc, gerr := gemini.New(ctx, cfg.Gemini)
		if gerr != nil {
			return nil, fmt.Errorf("gemini: %w", gerr)
		}
		gen = gc
	}

	a.Bus = bus.New(bus.WithInboxSize(cfg.Bus.InboxSize), bus.WithLogger(log))
	a.closers = append(a.closers, a.Bus.Shutdown)

	off := &helper.Offscreen{
		Bus:     a.Bus,
		Fetcher:   imaging.NewFetcher(cfg.Image.FetchTimeout, cfg.Image.MaxBytes),
		Quality:   cfg.Image.JPEGQuality,
		MaxPixels: cfg.Image.MaxPixels,
		Log:       log,
	}
	assets := &helper.Assets{
		Bus:     a.Bus,
		Manager: helper.NewManager(off.Provision, log),
		From:    background.EndpointName,
	}
	q := quota.NewService(a.Store, cfg.Quota, log)

	a.Background = &background.Service{
		TryOns: &services.TryOnService{
			Store:     a.Store,
			Quota:     q,
			Assets:    assets,
			Generator: gen,
			Artifacts: sink,
			Events:    emitter,
			Log:       log,
			Prompt:    cfg.Gemini.Prompt,
			MaxWidth:  cfg.Image.MaxWidth,
			MaxHeight: cfg.Image.MaxHeight,
		},
		Profiles:    &services.ProfileService{Store: a.Store, Log: log},
		Uploads:     &services.UploadService{Assets: assets, MaxDim: cfg.Image.UploadMaxDim},
		Quota:       q,
		Log:         log,
		SagaTimeout: cfg.SagaTimeout,
	}
	if _, err = a.Background.Open(a.Bus); err != nil {
		return nil, fmt.Errorf("open background endpoint: %w", err)
	}
	return a, nil
}

func (a *App) openStore() (repo.Store, error) {
	sc := a.Config.Store
	var (
		db  *gorm.DB
		err error
	)
	switch sc.Backend {
	case config.StoreREST:
		return repo.NewRESTStore(sc.URL, sc.APIKey, sc.Timeout), nil
	case config.StorePostgres:
		db, err = repo.OpenPostgres(sc.DSN)
	default:
		db, err = repo.OpenSQLite(sc.DBPath)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo.NewSQLStore(db, sc.AtomicIncrement), nil
}

// Ready reports whether the background endpoint is accepting requests.
func (a *App) Ready() bool {
	return a.Bus != nil && a.Bus.Has(background.EndpointName)
}

// Close stops components in reverse start order.
func (a *App) Close(ctx context.Context) error {
	fns := a.closers
	a.closers = nil
	err := observability.Chain(fns...)(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.Log.Warn().Err(err).Msg("shutdown did not finish in time")
	}
	return err
}
