package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/learningequality/morango/pkg/store"
)

// fakeRepo is a minimal in-memory store.Repository, enough to drive
// cleanupStaleSessions without a real database.
type fakeRepo struct {
	syncSessions     map[string]store.SyncSession
	transferSessions map[string]store.TransferSession
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		syncSessions:     map[string]store.SyncSession{},
		transferSessions: map[string]store.TransferSession{},
	}
}

func (f *fakeRepo) GetRecord(ctx context.Context, id string) (store.Record, bool, error) {
	return store.Record{}, false, nil
}
func (f *fakeRepo) GetRecords(ctx context.Context, ids []string) (map[string]store.Record, error) {
	return nil, nil
}
func (f *fakeRepo) UpsertRecord(ctx context.Context, rec store.Record) error { return nil }
func (f *fakeRepo) RecordMaxCounters(ctx context.Context, storeID string) (map[string]int64, error) {
	return nil, nil
}
func (f *fakeRepo) SetRecordMaxCounter(ctx context.Context, storeID, instanceID string, counter int64) error {
	return nil
}
func (f *fakeRepo) DrainDeletedModels(ctx context.Context, profile string) ([]store.DeletedModel, error) {
	return nil, nil
}
func (f *fakeRepo) DrainHardDeletedModels(ctx context.Context, profile string) ([]store.HardDeletedModel, error) {
	return nil, nil
}
func (f *fakeRepo) DirtyRecords(ctx context.Context, profile, modelName string, partitionPrefixes []string) ([]store.Record, error) {
	return nil, nil
}
func (f *fakeRepo) ClearDirtyBit(ctx context.Context, id string) error                { return nil }
func (f *fakeRepo) SetDeserializationError(ctx context.Context, id, message string) error { return nil }
func (f *fakeRepo) UpdateFSICs(ctx context.Context, fsic map[string]int64, partitions []string) error {
	return nil
}
func (f *fakeRepo) FilterMaxCounters(ctx context.Context, partitions []string) (map[string]int64, error) {
	return nil, nil
}

func (f *fakeRepo) GetSyncSession(ctx context.Context, id string) (store.SyncSession, bool, error) {
	s, ok := f.syncSessions[id]
	return s, ok, nil
}

func (f *fakeRepo) UpsertSyncSession(ctx context.Context, s store.SyncSession) error {
	f.syncSessions[s.ID] = s
	return nil
}

func (f *fakeRepo) GetTransferSession(ctx context.Context, id string) (store.TransferSession, bool, error) {
	t, ok := f.transferSessions[id]
	return t, ok, nil
}

func (f *fakeRepo) UpsertTransferSession(ctx context.Context, t store.TransferSession) error {
	f.transferSessions[t.ID] = t
	return nil
}

func (f *fakeRepo) CountBufferedRecords(ctx context.Context, transferSessionID string) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) DeleteBufferedRecords(ctx context.Context, transferSessionID string) error {
	return nil
}
func (f *fakeRepo) InsertBufferRecords(ctx context.Context, records []store.BufferRecord, rmcbs []store.RecordMaxCounterBuffer) error {
	return nil
}
func (f *fakeRepo) ListBufferRecords(ctx context.Context, transferSessionID string, offset, limit int) ([]store.BufferRecord, error) {
	return nil, nil
}
func (f *fakeRepo) ListRecordMaxCounterBuffers(ctx context.Context, transferSessionID string) ([]store.RecordMaxCounterBuffer, error) {
	return nil, nil
}

func (f *fakeRepo) ListActiveSyncSessions(ctx context.Context) ([]store.SyncSession, error) {
	var out []store.SyncSession
	for _, s := range f.syncSessions {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListActiveTransferSessionsOlderThan(ctx context.Context, syncSessionID string, cutoff time.Time) ([]store.TransferSession, error) {
	var out []store.TransferSession
	for _, t := range f.transferSessions {
		if t.SyncSessionID == syncSessionID && t.Active && t.LastActivityTimestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) CountActiveTransferSessions(ctx context.Context, syncSessionID string) (int64, error) {
	var n int64
	for _, t := range f.transferSessions {
		if t.SyncSessionID == syncSessionID && t.Active {
			n++
		}
	}
	return n, nil
}

var _ store.Repository = (*fakeRepo)(nil)

// A transfer session can be stale and swept even while its parent sync
// session still has recent activity: cleanupsyncs.py never requires the
// sync session itself to be stale before sweeping its transfer sessions.
func TestCleanupStaleSessionsSweepsStaleTransferSessionUnderFreshSyncSession(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	cutoff := now.Add(-time.Hour)

	repo.syncSessions["ss1"] = store.SyncSession{
		ID: "ss1", Active: true, LastActivityTimestamp: now,
	}
	repo.transferSessions["ts1"] = store.TransferSession{
		ID: "ts1", SyncSessionID: "ss1", Active: true,
		LastActivityTimestamp: now.Add(-2 * time.Hour),
	}

	err := cleanupStaleSessions(context.Background(), repo, cutoff, zap.NewNop())
	require.NoError(t, err)

	ts, ok, err := repo.GetTransferSession(context.Background(), "ts1")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, ts.Active)

	ss, ok, err := repo.GetSyncSession(context.Background(), "ss1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ss.Active, "sync session with recent activity must stay open")
}

// A sync session is closed only once it is itself stale and has no
// remaining active transfer session after the sweep.
func TestCleanupStaleSessionsClosesStaleSyncSessionOnceDrained(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	cutoff := now.Add(-time.Hour)

	repo.syncSessions["ss1"] = store.SyncSession{
		ID: "ss1", Active: true, LastActivityTimestamp: now.Add(-2 * time.Hour),
	}
	repo.transferSessions["ts1"] = store.TransferSession{
		ID: "ts1", SyncSessionID: "ss1", Active: true,
		LastActivityTimestamp: now.Add(-2 * time.Hour),
	}

	err := cleanupStaleSessions(context.Background(), repo, cutoff, zap.NewNop())
	require.NoError(t, err)

	ss, ok, err := repo.GetSyncSession(context.Background(), "ss1")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, ss.Active)
}

// A stale sync session with another transfer session still genuinely active
// (fresh activity) is left open: the remaining-active-count check guards it.
func TestCleanupStaleSessionsLeavesSyncSessionOpenWithActiveTransferSessionRemaining(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	cutoff := now.Add(-time.Hour)

	repo.syncSessions["ss1"] = store.SyncSession{
		ID: "ss1", Active: true, LastActivityTimestamp: now.Add(-2 * time.Hour),
	}
	repo.transferSessions["stale"] = store.TransferSession{
		ID: "stale", SyncSessionID: "ss1", Active: true,
		LastActivityTimestamp: now.Add(-2 * time.Hour),
	}
	repo.transferSessions["fresh"] = store.TransferSession{
		ID: "fresh", SyncSessionID: "ss1", Active: true,
		LastActivityTimestamp: now,
	}

	err := cleanupStaleSessions(context.Background(), repo, cutoff, zap.NewNop())
	require.NoError(t, err)

	ss, ok, err := repo.GetSyncSession(context.Background(), "ss1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ss.Active)

	fresh, ok, err := repo.GetTransferSession(context.Background(), "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, fresh.Active, "a transfer session with recent activity is not swept")
}
