package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/pkcrypto"
)

var certificatesCmd = &cobra.Command{
	Use:   "certificates",
	Short: "Manage this database's certificates",
}

var certificatesGenerateRootCmd = &cobra.Command{
	Use:   "generate-root",
	Short: "Generate and save a new self-signed root certificate",
	RunE:  runCertificatesGenerateRoot,
}

func init() {
	certificatesGenerateRootCmd.Flags().String("scope-definition", "", "scope definition id to root the certificate under (required)")
	certificatesGenerateRootCmd.Flags().StringSlice("param", nil, "extra scope param as key=value, may be repeated")
	_ = certificatesGenerateRootCmd.MarkFlagRequired("scope-definition")

	certificatesCmd.AddCommand(certificatesGenerateRootCmd)
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

func runCertificatesGenerateRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	scopeDefID, _ := cmd.Flags().GetString("scope-definition")
	rawParams, _ := cmd.Flags().GetStringSlice("param")
	extraParams, err := parseKeyValues(rawParams)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, _, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	defs := morangocert.NewStaticScopeDefinitions(cfg.scopeDefinitions())
	certs := &morangocert.SQLCertificateStore{DB: db}

	salt, err := pkcrypto.GenerateSalt(32)
	if err != nil {
		return err
	}
	cert, err := morangocert.GenerateRoot(ctx, defs, scopeDefID, hex.EncodeToString(salt), extraParams)
	if err != nil {
		return err
	}
	if err := certs.Save(ctx, cert); err != nil {
		return err
	}

	fmt.Printf("generated root certificate %s under scope definition %s\n", cert.ID, scopeDefID)
	return nil
}
