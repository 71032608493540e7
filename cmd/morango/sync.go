package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/morangohttp"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/private/dbutil"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push or pull data against a remote morango peer",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().String("peer", "", "base URL of the remote morango server (required)")
	syncCmd.Flags().String("server-cert-id", "", "certificate id the remote server identifies itself with (required)")
	syncCmd.Flags().String("client-cert-id", "", "id of an already-held certificate to sync as, instead of requesting a new one")
	syncCmd.Flags().String("scope-definition", "", "scope definition id to request a client certificate under, when --client-cert-id is not given")
	syncCmd.Flags().StringSlice("param", nil, "scope param as key=value for a requested client certificate, may be repeated")
	syncCmd.Flags().String("username", "", "Basic-auth username for the certificate-signing request")
	syncCmd.Flags().String("password", "", "Basic-auth password for the certificate-signing request")
	syncCmd.Flags().Bool("push", false, "push this database's changes to the peer")
	syncCmd.Flags().Bool("pull", false, "pull the peer's changes into this database")
	syncCmd.Flags().StringSlice("filter", nil, "partitions to sync, comma separated, may be repeated")
	syncCmd.Flags().Int("chunk-size", 0, "records per buffer chunk, 0 for the client's default")

	_ = syncCmd.MarkFlagRequired("peer")
	_ = syncCmd.MarkFlagRequired("server-cert-id")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	peer, _ := cmd.Flags().GetString("peer")
	serverCertID, _ := cmd.Flags().GetString("server-cert-id")
	clientCertID, _ := cmd.Flags().GetString("client-cert-id")
	scopeDefID, _ := cmd.Flags().GetString("scope-definition")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	push, _ := cmd.Flags().GetBool("push")
	pull, _ := cmd.Flags().GetBool("pull")
	rawFilter, _ := cmd.Flags().GetStringSlice("filter")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	rawParams, _ := cmd.Flags().GetStringSlice("param")

	if push == pull {
		return fmt.Errorf("specify exactly one of --push or --pull")
	}
	scopeParams, err := parseKeyValues(rawParams)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, queries, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	identityStore := &dbutil.IdentityStore{DB: db}
	dbID, err := identity.CurrentOrCreateDatabaseID(ctx, identityStore)
	if err != nil {
		return err
	}

	sys := systemInfo(cfg)
	deps := morangohttp.ClientDeps{
		Certificates: &morangocert.SQLCertificateStore{DB: db},
		ScopeDefs:    morangocert.NewStaticScopeDefinitions(cfg.scopeDefinitions()),
		Store:        &store.SQLRepository{DB: db, Queries: queries},
		DB:           db,
		Queries:      queries,
		Registry:     newTransferRegistry(db, queries, identityStore, dbID.ID, sys, true),
		Identity:     identityStore,
		DatabaseID:   dbID.ID,
		System:       sys,
		Log:          log,
	}

	conn, err := morangohttp.NewNetworkSyncConnection(ctx, peer, log)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", peer, err)
	}

	serverCert, err := resolveServerCertificate(ctx, conn, deps, serverCertID)
	if err != nil {
		return err
	}
	clientCert, err := resolveClientCertificate(ctx, conn, deps, clientCertID, serverCert, scopeDefID, scopeParams, username, password)
	if err != nil {
		return err
	}

	sc, err := morangohttp.CreateSyncSession(ctx, conn, deps, clientCert, serverCert, chunkSize)
	if err != nil {
		return fmt.Errorf("creating sync session: %w", err)
	}

	filter := morangocert.Filter(rawFilter)
	if push {
		if err := sc.InitiatePush(ctx, filter); err != nil {
			return fmt.Errorf("pushing: %w", err)
		}
		log.Info("push complete")
	} else {
		if err := sc.InitiatePull(ctx, filter); err != nil {
			return fmt.Errorf("pulling: %w", err)
		}
		log.Info("pull complete")
	}
	return sc.CloseSyncSession(ctx)
}

// resolveServerCertificate returns the remote peer's certificate, fetching
// and validating its ancestry from the peer if it isn't already held.
func resolveServerCertificate(ctx context.Context, conn *morangohttp.NetworkSyncConnection, deps morangohttp.ClientDeps, serverCertID string) (*morangocert.Certificate, error) {
	if existing, ok, err := deps.Certificates.Get(ctx, serverCertID); err != nil {
		return nil, err
	} else if ok {
		return existing, nil
	}

	chain, err := conn.FetchCertificateChain(ctx, serverCertID)
	if err != nil {
		return nil, fmt.Errorf("fetching server certificate chain: %w", err)
	}
	return morangocert.SaveChain(ctx, deps.Certificates, deps.ScopeDefs, chain, serverCertID)
}

// resolveClientCertificate returns the certificate this process syncs as:
// an already-held one named by clientCertID, or a freshly issued one
// signed by the peer under scopeDefID.
func resolveClientCertificate(ctx context.Context, conn *morangohttp.NetworkSyncConnection, deps morangohttp.ClientDeps, clientCertID string, serverCert *morangocert.Certificate, scopeDefID string, scopeParams map[string]string, username, password string) (*morangocert.Certificate, error) {
	if clientCertID != "" {
		cert, ok, err := deps.Certificates.Get(ctx, clientCertID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("no locally held certificate %s", clientCertID)
		}
		if !cert.HasPrivateKey() {
			return nil, fmt.Errorf("certificate %s has no private key on file, can't sync as it", clientCertID)
		}
		return cert, nil
	}

	if scopeDefID == "" {
		return nil, fmt.Errorf("specify --client-cert-id or --scope-definition")
	}
	cert, err := conn.CertificateSigningRequest(ctx, serverCert, scopeDefID, scopeParams, username, password)
	if err != nil {
		return nil, fmt.Errorf("requesting client certificate: %w", err)
	}
	if err := deps.Certificates.Save(ctx, cert); err != nil {
		return nil, err
	}
	return cert, nil
}
