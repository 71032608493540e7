package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/learningequality/morango/internal/testprofile"
	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/serialize"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/private/dbutil"
)

// demoCmd exercises the full syncable plumbing against internal/testprofile's
// Facility/Dataset models, so a user can try push/pull sync end to end
// without first writing their own pkg/syncable integration.
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Seed sample data using the built-in testprofile models",
}

var demoSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a sample Facility with two nested Datasets and serialize them into the store",
	RunE:  runDemoSeed,
}

func init() {
	demoSeedCmd.Flags().String("partition", "demo-partition", "partition the sample data is written under")
	demoCmd.AddCommand(demoSeedCmd)
	rootCmd.AddCommand(demoCmd)
}

func runDemoSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	partition, _ := cmd.Flags().GetString("partition")

	ctx := context.Background()
	db, queries, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	app := testprofile.NewAppStore()
	facility := app.CreateFacility(partition, "facility-1", "Sample Facility")
	topLevel := app.CreateDataset(partition, "dataset-1", facility.SourceID, "", "Sample Dataset")
	app.CreateDataset(partition, "dataset-2", facility.SourceID, topLevel.SourceID, "Sample Sub-dataset")

	identityStore := &dbutil.IdentityStore{DB: db}
	dbID, err := identity.CurrentOrCreateDatabaseID(ctx, identityStore)
	if err != nil {
		return err
	}

	serializer := serialize.Serializer{
		Store:      &store.SQLRepository{DB: db, Queries: queries},
		Registry:   app.Registry(),
		App:        app,
		Identity:   identityStore,
		DatabaseID: dbID.ID,
		System:     systemInfo(cfg),
	}
	if err := serializer.Run(ctx, testprofile.Profile, nil); err != nil {
		return err
	}

	fmt.Println("seeded 1 facility and 2 datasets under profile", testprofile.Profile)
	return nil
}
