package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/morangohttp"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/private/dbutil"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the morango HTTP sync API for this database",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("shared-public-key", "", "PEM public key this server accepts pushed certificate chains against")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, queries, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sharedPublicKey, _ := cmd.Flags().GetString("shared-public-key")

	identityStore := &dbutil.IdentityStore{DB: db}
	dbID, err := identity.CurrentOrCreateDatabaseID(ctx, identityStore)
	if err != nil {
		return err
	}

	sys := systemInfo(cfg)
	deps := morangohttp.Deps{
		Certificates:    &morangocert.SQLCertificateStore{DB: db},
		ScopeDefs:       morangocert.NewStaticScopeDefinitions(cfg.scopeDefinitions()),
		Nonces:          &morangocert.SQLNonceRepository{DB: db},
		Store:           &store.SQLRepository{DB: db, Queries: queries},
		DB:              db,
		Queries:         queries,
		Registry:        newTransferRegistry(db, queries, identityStore, dbID.ID, sys, false),
		Identity:        identityStore,
		DatabaseID:      dbID.ID,
		System:          sys,
		Capabilities:    cfg.capabilitySet(),
		SharedPublicKey: sharedPublicKey,
		Signer:          cfg.signer(),
		Log:             log,
	}

	server := morangohttp.NewServer(deps)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving morango sync api", zap.String("addr", cfg.Addr), zap.String("profile", cfg.Profile))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return httpServer.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
