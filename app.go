package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"kit-tracker/internal/config"
	"kit-tracker/internal/controller"
	"kit-tracker/internal/directory"
	"kit-tracker/internal/excel"
	"kit-tracker/internal/matcher"
	"kit-tracker/internal/models"
	"kit-tracker/internal/session"
	"kit-tracker/internal/storage"
)

// app holds the wired components shared by every command.
type app struct {
	storage    storage.Store
	sessions   *session.Store
	directory  *directory.Client
	matcher    *matcher.Matcher
	controller *controller.Controller
	registry   *prometheus.Registry
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	st, err := storage.Open(ctx, cfg.Storage.Config())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	sessOpts := []session.Option{session.WithLogger(logger.Named("session"))}
	if cfg.RejectReconfirm {
		sessOpts = append(sessOpts, session.RejectReconfirm())
	}
	sessions := session.Open(ctx, st, sessOpts...)

	dirOpts := cfg.Salesforce.Options()
	dirOpts.Logger = logger.Named("directory")
	remote, err := directory.New(cfg.Salesforce.Credentials(), dirOpts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if !remote.Auth().Configured() {
		logger.Warn("directory credentials not configured, using local accounts",
			zap.Strings("missing", cfg.Salesforce.Credentials().Missing()))
	}

	var fixtures []models.Account
	if cfg.FixturesFile != "" {
		fixtures, err = excel.ReadAccountsFile(cfg.FixturesFile, excel.FixtureSheet)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("load fixtures: %w", err)
		}
		logger.Info("local accounts loaded", zap.String("file", cfg.FixturesFile), zap.Int("accounts", len(fixtures)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := matcher.New(
		[]matcher.Provider{remote, matcher.NewFixtureProvider(fixtures)},
		matcher.WithLogger(logger.Named("matcher")),
		matcher.WithRegisterer(reg),
		matcher.WithDefaults(cfg.Salesforce.SearchRadiusKm, cfg.Salesforce.MaxResults),
	)
	ctrl := controller.New(sessions, m,
		controller.WithLogger(logger.Named("controller")),
		controller.WithDebounce(cfg.DebounceAfter),
	)

	return &app{
		storage:    st,
		sessions:   sessions,
		directory:  remote,
		matcher:    m,
		controller: ctrl,
		registry:   reg,
	}, nil
}

func (a *app) Close() error {
	a.controller.Close()
	return a.storage.Close()
}
