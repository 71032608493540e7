package session_test

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/private/dbutil"
)

func openResumeSchemaDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, dbutil.Migrate(context.Background(), db))
	return db
}

func seedResumeSyncSession(t *testing.T, repo store.Repository, id, processID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repo.UpsertSyncSession(context.Background(), store.SyncSession{
		ID: id, Profile: "facility", Active: true, ProcessID: processID,
		StartTimestamp: now, LastActivityTimestamp: now,
	}))
}

func TestClaimSyncSessionClaimsAFreshSession(t *testing.T) {
	ctx := context.Background()
	repo := &store.SQLRepository{DB: openResumeSchemaDB(t)}
	seedResumeSyncSession(t, repo, "sess-1", "")

	require.NoError(t, session.ClaimSyncSession(ctx, repo, "sess-1"))

	sess, ok, err := repo.GetSyncSession(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strconv.Itoa(os.Getpid()), sess.ProcessID)
}

func TestClaimSyncSessionIsIdempotentForItsOwningProcess(t *testing.T) {
	ctx := context.Background()
	repo := &store.SQLRepository{DB: openResumeSchemaDB(t)}
	self := strconv.Itoa(os.Getpid())
	seedResumeSyncSession(t, repo, "sess-1", self)

	require.NoError(t, session.ClaimSyncSession(ctx, repo, "sess-1"))
}

func TestClaimSyncSessionRefusesARunningOwner(t *testing.T) {
	ctx := context.Background()
	repo := &store.SQLRepository{DB: openResumeSchemaDB(t)}
	// The parent of this test process (the process that launched `go
	// test`) is guaranteed alive for the test's duration and is never
	// this test process's own pid, without assuming anything about a
	// container-wide init process this test may not have permission to
	// signal.
	seedResumeSyncSession(t, repo, "sess-1", strconv.Itoa(os.Getppid()))

	err := session.ClaimSyncSession(ctx, repo, "sess-1")
	require.ErrorIs(t, err, morangoerrs.ErrResumeSync)
}

func TestClaimSyncSessionStealsFromADeadOwner(t *testing.T) {
	ctx := context.Background()
	repo := &store.SQLRepository{DB: openResumeSchemaDB(t)}
	// an implausibly large pid never names a real process, the stand-in
	// for "owner no longer exists".
	seedResumeSyncSession(t, repo, "sess-1", "999999999")

	require.NoError(t, session.ClaimSyncSession(ctx, repo, "sess-1"))

	sess, ok, err := repo.GetSyncSession(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strconv.Itoa(os.Getpid()), sess.ProcessID)
}

func TestClaimSyncSessionRejectsUnknownSession(t *testing.T) {
	ctx := context.Background()
	repo := &store.SQLRepository{DB: openResumeSchemaDB(t)}

	err := session.ClaimSyncSession(ctx, repo, "does-not-exist")
	require.ErrorIs(t, err, morangoerrs.ErrResumeSync)
}

func TestReleaseSyncSessionClearsProcessID(t *testing.T) {
	ctx := context.Background()
	repo := &store.SQLRepository{DB: openResumeSchemaDB(t)}
	seedResumeSyncSession(t, repo, "sess-1", strconv.Itoa(os.Getpid()))

	require.NoError(t, session.ReleaseSyncSession(ctx, repo, "sess-1"))

	sess, ok, err := repo.GetSyncSession(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, sess.ProcessID)
}

func TestReleaseSyncSessionOnUnknownSessionIsANoOp(t *testing.T) {
	ctx := context.Background()
	repo := &store.SQLRepository{DB: openResumeSchemaDB(t)}

	require.NoError(t, session.ReleaseSyncSession(ctx, repo, "does-not-exist"))
}
