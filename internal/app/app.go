package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"sessiondb/pkg/api/handlers"
	"sessiondb/pkg/config"
	"sessiondb/pkg/logger"
	"sessiondb/pkg/progressor"
	"sessiondb/pkg/reconcile"
	"sessiondb/pkg/session"
	"sessiondb/pkg/state"
	"sessiondb/pkg/store"
	"sessiondb/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	st  *store.Pebble
	svc *session.Service
	rec *reconcile.Reconciler

	srv *http.Server
}

// New initializes resources that do not require a running context: the
// runtime directory layout, the store, the service, validation rules and
// runtime keys. Call Run to start the schedulers and the HTTP server.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	// runtime keys
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	// validation rules
	validation.SetRules(eff.Config.Rules())

	// runtime folder layout, then the store inside it
	if err := state.Init(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs under %s: %w", eff.DBPath, err)
	}
	logger.AttachAuditFileSink(state.PathsVar.Audit)

	st, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	// startup migrations
	if _, err := progressor.Run(context.Background(), st, version); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	svc := session.New(st, session.WithValidator(validation.ValidateEvent))
	rec := reconcile.New(st, eff.Config.Reconcile.QueueSize)

	handlers.SetMaxBodyBytes(eff.Config.Server.MaxBodyBytes.Int64())

	return &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		st:        st,
		svc:       svc,
		rec:       rec,
	}, nil
}

// Run starts the reconcile scheduler (if enabled) and the HTTP server,
// blocking until ctx is cancelled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.eff.Config.Reconcile.Enabled {
		cancel, err := a.rec.Start(ctx, a.eff.Config.Reconcile.Cron)
		if err != nil {
			return err
		}
		defer cancel()
	} else {
		logger.Info("reconcile_disabled")
	}

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdownHTTP()
		return a.st.Close()
	case err := <-errCh:
		_ = a.st.Close()
		return err
	}
}
