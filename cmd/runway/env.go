package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/config"
	"github.com/runwayhq/runway/pkg/gateway"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/recordstore"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/storage"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/spf13/cobra"
)

// env is everything a command needs to talk to the store
type env struct {
	cfg     *config.Config
	store   storage.Store
	schemas *schema.Registry
	client  *recordstore.Client
	gw      *gateway.StoreGateway
	session types.Session
	logger  zerolog.Logger
}

// loadConfig reads the config file and lets flags override it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("backend") {
		cfg.Store.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("data-dir") {
		cfg.Store.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("rethink-addr") {
		cfg.Store.Address, _ = flags.GetString("rethink-addr")
	}
	if flags.Changed("schemas") {
		cfg.Schemas, _ = flags.GetString("schemas")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv loads configuration, initializes logging and opens the store
func openEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     cmd.ErrOrStderr(),
	})

	schemas, err := schema.Load(cfg.Schemas)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	user, _ := cmd.Flags().GetString("user")
	return &env{
		cfg:     cfg,
		store:   store,
		schemas: schemas,
		client:  recordstore.NewClient(store, decoderFor(schemas), log.WithComponent("recordstore")),
		gw:      gateway.NewStoreGateway(store, schemas, log.Logger),
		session: types.Session{UserID: user, DisplayName: user},
		logger:  log.Logger,
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close store")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRethink:
		return storage.NewRethinkStore(ctx, storage.RethinkConfig{
			Address:  cfg.Store.Address,
			Database: cfg.Store.Database,
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
		}, log.WithComponent("storage"))
	default:
		store, err := storage.NewBoltStore(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Store.DataDir, err)
		}
		return store, nil
	}
}

// decoderFor normalizes every time field declared by any schema
func decoderFor(schemas *schema.Registry) *recordstore.Decoder {
	seen := make(map[string]bool)
	var fields []string
	for _, name := range schemas.Names() {
		s, _ := schemas.Get(name)
		for _, f := range s.TimeFields() {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	return recordstore.NewDecoder(fields...)
}

// schemaFor resolves a collection argument
func (e *env) schemaFor(collection string) (*schema.Schema, error) {
	s, ok := e.schemas.Get(collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %q (known: %v)", collection, e.schemas.Names())
	}
	return s, nil
}

// logNotifier prints user-facing notices to the log
func logNotifier(logger zerolog.Logger) types.Notifier {
	return types.NotifierFunc(func(n types.Notice) {
		ev := logger.Info()
		switch n.Level {
		case types.NoticeWarn:
			ev = logger.Warn()
		case types.NoticeError:
			ev = logger.Error()
		}
		ev.Str("collection", n.Collection).Str("record_id", n.RecordID).Str("detail", n.Message).Msg(n.Title)
	})
}
