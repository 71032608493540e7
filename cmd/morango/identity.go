package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/private/dbutil"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect this database's identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print this database's DatabaseID and this process's InstanceID",
	RunE:  runIdentityShow,
}

func init() {
	identityCmd.AddCommand(identityShowCmd)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	db, _, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := &dbutil.IdentityStore{DB: db}
	dbID, err := identity.CurrentOrCreateDatabaseID(ctx, store)
	if err != nil {
		return err
	}
	instance, err := identity.CurrentAndIncrement(ctx, store, dbID.ID, systemInfo(cfg))
	if err != nil {
		return err
	}

	fmt.Printf("database id:      %s\n", dbID.ID)
	fmt.Printf("date generated:   %s\n", dbID.DateGenerated)
	fmt.Printf("instance id:      %s\n", instance.ID)
	fmt.Printf("instance counter: %d\n", instance.Counter)
	return nil
}
