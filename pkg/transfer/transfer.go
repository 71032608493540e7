// Package transfer implements the per-stage session.Middleware that drives
// a local transfer session through initialization, serialization, queuing,
// dequeuing, deserialization, and cleanup - the bodies behind the stage
// names pkg/session.Controller walks through.
//
// Every operation registered by RegisterLocal expects a
// *session.LocalSessionContext, and every one registered by RegisterNetwork
// (network.go) a *session.NetworkSessionContext; handed any other Context
// it returns session.ErrUnhandled so the registry moves on, mirroring the
// original's expects_context/assertion-based dispatch.
package transfer

import (
	"context"
	"database/sql"
	"strings"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/serialize"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/pkg/syncable"
	"github.com/learningequality/morango/private/dbutil"
)

// Error is the error class for the transfer package.
var Error = errs.Class("transfer")

// Deps bundles everything a local transfer operation needs, so the
// individual operation constructors stay narrow single-purpose functions.
type Deps struct {
	Store   store.Repository
	DB      *sql.DB
	Queries dbutil.DialectQueries

	Registry *syncable.Registry
	App      serialize.AppSource

	Identity   identity.Store
	DatabaseID string
	System     identity.SystemInfo

	// SerializeBeforeQueuing mirrors MORANGO_SERIALIZE_BEFORE_QUEUING:
	// whether a producer serializes its own dirty app data into the
	// store before computing what to queue.
	SerializeBeforeQueuing bool

	// DeserializeAfterDequeuing mirrors MORANGO_DESERIALIZE_AFTER_DEQUEUING:
	// whether a receiver deserializes newly dequeued store rows back into
	// the host application immediately, rather than leaving that to a
	// separate pass.
	DeserializeAfterDequeuing bool

	// SkipErroring is threaded through to serialize.Deserializer.
	SkipErroring bool
}

func partitionPrefixes(f morangocert.Filter) []string {
	return []string(f)
}

func filterString(f morangocert.Filter) string {
	return strings.Join(f, " ")
}

func (d Deps) serializer() *serialize.Serializer {
	return &serialize.Serializer{
		Store:      d.Store,
		Registry:   d.Registry,
		App:        d.App,
		Identity:   d.Identity,
		DatabaseID: d.DatabaseID,
		System:     d.System,
	}
}

func (d Deps) deserializer() *serialize.Deserializer {
	return &serialize.Deserializer{
		Store:        d.Store,
		Registry:     d.Registry,
		SkipErroring: d.SkipErroring,
	}
}

// profileForSyncSession looks up the profile a sync session is running
// under, since TransferSession rows don't carry it directly.
func (d Deps) profileForSyncSession(ctx context.Context, syncSessionID string) (string, error) {
	s, ok, err := d.Store.GetSyncSession(ctx, syncSessionID)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if !ok {
		return "", Error.New("sync session %q not found", syncSessionID)
	}
	return s.Profile, nil
}
