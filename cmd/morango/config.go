package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/learningequality/morango/internal/testprofile"
	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/pkg/transfer"
	"github.com/learningequality/morango/private/dbutil"
	"github.com/learningequality/morango/private/dbutil/pgutil"
	"github.com/learningequality/morango/private/dbutil/sqliteutil"
)

// scopeDefinitionConfig is the config-file shape for a ScopeDefinition,
// mirroring morangocert.ScopeDefinition but with mapstructure tags viper
// can bind against.
type scopeDefinitionConfig struct {
	ID                      string `mapstructure:"id"`
	Profile                 string `mapstructure:"profile"`
	Version                 int    `mapstructure:"version"`
	PrimaryScopeParamKey    string `mapstructure:"primary_scope_param_key"`
	Description             string `mapstructure:"description"`
	ReadFilterTemplate      string `mapstructure:"read_filter_template"`
	WriteFilterTemplate     string `mapstructure:"write_filter_template"`
	ReadWriteFilterTemplate string `mapstructure:"read_write_filter_template"`
}

// config is the full set of settings a morango process reads from its
// config file (--config), environment (MORANGO_*), and flags, in that
// increasing order of precedence.
type config struct {
	DB           string                  `mapstructure:"db"`
	Addr         string                  `mapstructure:"addr"`
	Profile      string                  `mapstructure:"profile"`
	LogLevel     string                  `mapstructure:"log_level"`
	LogJSON      bool                    `mapstructure:"log_json"`
	NodeID       string                  `mapstructure:"node_id"`
	Capabilities []string                `mapstructure:"capabilities"`
	Scopes       []scopeDefinitionConfig `mapstructure:"scopes"`
	Users        map[string]string       `mapstructure:"users"`
}

func loadConfig(cmd *cobra.Command) (config, error) {
	v := viper.New()
	v.SetEnvPrefix("morango")
	v.AutomaticEnv()

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetDefault("db", "sqlite3://morango.db")
	v.SetDefault("addr", ":8046")
	v.SetDefault("profile", "default")
	v.SetDefault("log_level", "info")

	_ = v.BindPFlag("db", cmd.Flags().Lookup("db"))
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("profile", cmd.Flags().Lookup("profile"))
	_ = v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("log_json", cmd.Flags().Lookup("log-json"))

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func (cfg config) scopeDefinitions() []morangocert.ScopeDefinition {
	defs := make([]morangocert.ScopeDefinition, 0, len(cfg.Scopes))
	for _, s := range cfg.Scopes {
		defs = append(defs, morangocert.ScopeDefinition{
			ID:                      s.ID,
			Profile:                 s.Profile,
			Version:                 s.Version,
			PrimaryScopeParamKey:    s.PrimaryScopeParamKey,
			Description:             s.Description,
			ReadFilterTemplate:      s.ReadFilterTemplate,
			WriteFilterTemplate:     s.WriteFilterTemplate,
			ReadWriteFilterTemplate: s.ReadWriteFilterTemplate,
		})
	}
	return defs
}

func (cfg config) capabilitySet() map[string]bool {
	caps := make(map[string]bool, len(cfg.Capabilities))
	for _, name := range cfg.Capabilities {
		caps[name] = true
	}
	return caps
}

// signer builds a CertificateSigner off the config's users map, the
// simplest possible stand-in for the original's Django-auth-backed
// certificate signing view: a fixed username/password table checked on
// every certificate-signing request, granting any scope to a match.
func (cfg config) signer() func(ctx context.Context, username, password, scopeDefinitionID string, scopeParams map[string]string) (bool, error) {
	if len(cfg.Users) == 0 {
		return nil
	}
	return func(ctx context.Context, username, password, scopeDefinitionID string, scopeParams map[string]string) (bool, error) {
		want, ok := cfg.Users[username]
		return ok && want == password, nil
	}
}

func newLogger(cfg config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if !cfg.LogJSON {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

// openDB opens cfg.DB's connection URL and, for sqlite, applies the
// consolidated schema so a fresh database is ready to use immediately.
// Postgres databases are expected to already carry the schema (ported
// from a sqlite instance or provisioned separately); this module carries
// no Postgres DDL of its own.
func openDB(ctx context.Context, cfg config) (*sql.DB, dbutil.DialectQueries, error) {
	dialect, dsn, err := dbutil.ParseConnectionURL(cfg.DB)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}

	var queries dbutil.DialectQueries
	switch dialect {
	case dbutil.SQLite:
		queries = sqliteutil.Queries{}
		if err := dbutil.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("applying schema: %w", err)
		}
	case dbutil.Postgres:
		queries = pgutil.Queries{}
	}
	return db, queries, nil
}

func systemInfo(cfg config) identity.SystemInfo {
	hostname, _ := os.Hostname()
	return identity.SystemInfo{
		Platform:     runtime.GOOS,
		Hostname:     hostname,
		SysVersion:   runtime.Version(),
		NodeID:       cfg.NodeID,
		DatabasePath: cfg.DB,
	}
}

// newTransferRegistry builds the session.Registry that drives this
// instance's side of a transfer, wired against internal/testprofile's
// Facility/Dataset models the same way the demo seed command is -
// this binary ships no mechanism for a host application to register its
// own pkg/syncable models, so the built-in demo profile is what serve and
// sync actually transfer. withNetwork additionally registers the
// Network*/Legacy* middleware family a client needs to drive the remote
// half of a push or pull; a server only ever dispatches its own local
// side, so handleUpdateTransferSession has no use for it.
func newTransferRegistry(db *sql.DB, queries dbutil.DialectQueries, identityStore identity.Store, databaseID string, sys identity.SystemInfo, withNetwork bool) *session.Registry {
	repo := &store.SQLRepository{DB: db, Queries: queries}
	app := testprofile.NewAppStore()

	reg := session.NewRegistry()
	transfer.RegisterLocal(reg, transfer.Deps{
		Store:      repo,
		DB:         db,
		Queries:    queries,
		Registry:   app.Registry(),
		App:        app,
		Identity:   identityStore,
		DatabaseID: databaseID,
		System:     sys,
	})
	if withNetwork {
		transfer.RegisterNetwork(reg, transfer.NetworkDeps{Store: repo})
	}
	return reg
}
