package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/db"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/rules"
	"github.com/teranos/databroker/staging"
	"github.com/teranos/databroker/validation"
)

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// pipeline is everything a validation run needs, built from config.
type pipeline struct {
	cfg     *am.Config
	db      *sql.DB
	rules   *rules.Store
	loader  *staging.Loader
	tracker *jobs.Tracker
	runner  *jobs.Runner
}

func openPipeline() (*pipeline, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	store, err := rules.NewStore(cfg.Rules.Dir, logger.Logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	handler := validation.NewHandler(
		staging.NewStore(database, cfg.GetPageSize()),
		validation.NewEvaluator(store, staging.NewReference(database), logger.Logger),
		validation.NewAggregator(database, logger.Logger),
		logger.Logger,
	)
	registry := jobs.NewHandlerRegistry()
	registry.Register(handler)

	tracker := jobs.NewTracker(database, logger.Logger)
	tracker.SetLease(cfg.GetLease())
	return &pipeline{
		cfg:     cfg,
		db:      database,
		rules:   store,
		loader:  staging.NewLoader(database, logger.Logger),
		tracker: tracker,
		runner:  jobs.NewRunner(tracker, registry, logger.Logger),
	}, nil
}

// inline returns a dispatcher that runs handed-off jobs before returning.
func (p *pipeline) inline(ctx context.Context) (*jobs.Dispatcher, *jobs.Inline) {
	sink := &jobs.Inline{Ctx: ctx, Runner: p.runner}
	return jobs.NewDispatcher(p.db, p.tracker, sink, 0, logger.Logger), sink
}

func (p *pipeline) Close() error {
	return p.db.Close()
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewClientInputError("invalid %s id %q", what, arg)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	fmt.Println(string(data))
	return nil
}
