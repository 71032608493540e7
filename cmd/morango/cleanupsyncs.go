package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/learningequality/morango/pkg/store"
)

// cleanupSyncsCmd closes and cleans up stale sync/transfer sessions, the
// Go counterpart of cleanupsyncs.py: transfer sessions with no activity
// since the cutoff have their buffers dropped and are marked inactive,
// then any sync session with no activity since the cutoff and no
// remaining active transfer session is closed too.
var cleanupSyncsCmd = &cobra.Command{
	Use:   "cleanupsyncs",
	Short: "Close and clean up stale sync sessions",
	RunE:  runCleanupSyncs,
}

func init() {
	cleanupSyncsCmd.Flags().Int("expiration-hours", 6, "hours of inactivity after which a session is considered stale")
}

func runCleanupSyncs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	expirationHours, _ := cmd.Flags().GetInt("expiration-hours")
	cutoff := time.Now().Add(-time.Duration(expirationHours) * time.Hour)

	ctx := context.Background()
	db, queries, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := &store.SQLRepository{DB: db, Queries: queries}
	return cleanupStaleSessions(ctx, repo, cutoff, log)
}

func cleanupStaleSessions(ctx context.Context, repo store.Repository, cutoff time.Time, log *zap.Logger) error {
	syncSessions, err := repo.ListActiveSyncSessions(ctx)
	if err != nil {
		return err
	}

	for _, ss := range syncSessions {
		transferSessions, err := repo.ListActiveTransferSessionsOlderThan(ctx, ss.ID, cutoff)
		if err != nil {
			return err
		}
		for i, ts := range transferSessions {
			log.Info("closing stale transfer session",
				zap.Int("index", i+1), zap.Int("total", len(transferSessions)), zap.String("id", ts.ID))
			if err := repo.DeleteBufferedRecords(ctx, ts.ID); err != nil {
				return err
			}
			ts.Active = false
			if err := repo.UpsertTransferSession(ctx, ts); err != nil {
				return err
			}
		}

		if !ss.LastActivityTimestamp.Before(cutoff) {
			continue
		}
		remaining, err := repo.CountActiveTransferSessions(ctx, ss.ID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		log.Info("closing stale sync session", zap.String("id", ss.ID))
		ss.Active = false
		if err := repo.UpsertSyncSession(ctx, ss); err != nil {
			return err
		}
	}
	return nil
}
