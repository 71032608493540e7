package session

import (
	"context"
	"os"
	"strconv"
	"syscall"

	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/store"
)

// ClaimSyncSession records this OS process as the owner of syncSessionID,
// the precondition spec.md §4.9/§5 puts on resuming a sync: "A process_id
// field on SyncSession records which OS process owns an in-flight sync;
// resumption by another process is allowed only if that pid no longer
// exists." A fresh sync session (ProcessID empty) is always claimable.
func ClaimSyncSession(ctx context.Context, repo store.Repository, syncSessionID string) error {
	sess, ok, err := repo.GetSyncSession(ctx, syncSessionID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return morangoerrs.ErrResumeSync.New("sync session %q does not exist", syncSessionID)
	}

	self := strconv.Itoa(os.Getpid())
	if sess.ProcessID != "" && sess.ProcessID != self && processAlive(sess.ProcessID) {
		return morangoerrs.ErrResumeSync.New("sync session %q is owned by running process %s", syncSessionID, sess.ProcessID)
	}

	sess.ProcessID = self
	if err := repo.UpsertSyncSession(ctx, sess); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// ReleaseSyncSession clears the process_id ownership marker once a sync
// has finished or been abandoned cleanly, so the pid-liveness check in
// ClaimSyncSession never has to run for it again.
func ReleaseSyncSession(ctx context.Context, repo store.Repository, syncSessionID string) error {
	sess, ok, err := repo.GetSyncSession(ctx, syncSessionID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return nil
	}
	sess.ProcessID = ""
	return Error.Wrap(repo.UpsertSyncSession(ctx, sess))
}

// processAlive reports whether pid (as recorded in ProcessID) still names
// a running process. Signal 0 performs only the existence/permission
// check, sending nothing.
func processAlive(pidStr string) bool {
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
