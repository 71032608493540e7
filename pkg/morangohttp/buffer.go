package morangohttp

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/store"
)

// defaultPullPageSize bounds one buffers/ GET response, mirroring the
// client's own chunked paging so neither side ever has to hold a whole
// transfer session's buffer in memory at once.
const defaultPullPageSize = 500

func toBufferWire(rec store.BufferRecord, rmcbs []store.RecordMaxCounterBuffer) BufferRecordWire {
	w := BufferRecordWire{
		Profile:                   rec.Profile,
		Serialized:                rec.Serialized,
		Deleted:                   rec.Deleted,
		HardDeleted:               rec.HardDeleted,
		LastSavedInstance:         rec.LastSavedInstance,
		LastSavedCounter:          rec.LastSavedCounter,
		Partition:                 rec.Partition,
		SourceID:                  rec.SourceID,
		ModelName:                 rec.ModelName,
		ModelUUID:                 rec.ModelUUID,
		ConflictingSerializedData: rec.ConflictingSerializedData,
		SelfRefFK:                 rec.SelfRefFK,
		TransferSession:           rec.TransferSessionID,
	}
	for _, rmcb := range rmcbs {
		if rmcb.ModelUUID != rec.ModelUUID {
			continue
		}
		w.RMCBList = append(w.RMCBList, RMCBufferEntryWire{
			InstanceID:      rmcb.InstanceID,
			Counter:         rmcb.Counter,
			TransferSession: rmcb.TransferSessionID,
			ModelUUID:       rmcb.ModelUUID,
		})
	}
	return w
}

func fromBufferWire(w BufferRecordWire) (store.BufferRecord, []store.RecordMaxCounterBuffer) {
	rec := store.BufferRecord{
		TransferSessionID:        w.TransferSession,
		ModelUUID:                w.ModelUUID,
		Profile:                  w.Profile,
		Serialized:               w.Serialized,
		ConflictingSerializedData: w.ConflictingSerializedData,
		Deleted:                  w.Deleted,
		HardDeleted:              w.HardDeleted,
		LastSavedInstance:        w.LastSavedInstance,
		LastSavedCounter:         w.LastSavedCounter,
		Partition:                w.Partition,
		SourceID:                 w.SourceID,
		ModelName:                w.ModelName,
		SelfRefFK:                w.SelfRefFK,
	}
	rmcbs := make([]store.RecordMaxCounterBuffer, 0, len(w.RMCBList))
	for _, e := range w.RMCBList {
		rmcbs = append(rmcbs, store.RecordMaxCounterBuffer{
			TransferSessionID: w.TransferSession,
			ModelUUID:         w.ModelUUID,
			InstanceID:        e.InstanceID,
			Counter:           e.Counter,
		})
	}
	return rec, rmcbs
}

// handlePushBuffer serves buffers/ POST: a client hands over one chunk of
// its outgoing buffer, which this instance appends to the matching
// transfer session's incoming rows, same validation BufferViewSet.create
// performs (every record in the chunk must target one still-active
// transfer session this instance is the receiver of).
func (s *Server) handlePushBuffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" || r.Header.Get("Content-Type") == "application/gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, Error.Wrap(err))
			return
		}
		defer gz.Close()
		body = gz
	}
	var wireRecords []BufferRecordWire
	if err := json.NewDecoder(body).Decode(&wireRecords); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	if len(wireRecords) == 0 {
		w.WriteHeader(http.StatusCreated)
		return
	}

	transferSessionID := wireRecords[0].TransferSession
	ts, ok, err := s.deps.Store.GetTransferSession(ctx, transferSessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok || !ts.Active || !ts.Push {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("transfer session %q does not accept incoming records", transferSessionID))
		return
	}

	records := make([]store.BufferRecord, 0, len(wireRecords))
	var rmcbs []store.RecordMaxCounterBuffer
	for _, wr := range wireRecords {
		if wr.TransferSession != transferSessionID {
			writeError(w, http.StatusBadRequest, morangoerrs.Base.New("every record in one push must target the same transfer session"))
			return
		}
		rec, recRmcbs := fromBufferWire(wr)
		records = append(records, rec)
		rmcbs = append(rmcbs, recRmcbs...)
	}

	if err := s.deps.Store.InsertBufferRecords(ctx, records, rmcbs); err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	ts.RecordsTransferred += int64(len(records))
	ts.LastActivityTimestamp = time.Now()
	if err := s.deps.Store.UpsertTransferSession(ctx, ts); err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handlePullBuffer serves buffers/ GET: a client pages through a pull
// transfer session's outgoing buffer (the rows this instance queued as
// producer), offset/limit query params matching the original's
// cursor-free pagination over a deterministic model_uuid ordering.
func (s *Server) handlePullBuffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	transferSessionID := r.URL.Query().Get("transfer_session_id")
	if transferSessionID == "" {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("transfer_session_id is required"))
		return
	}

	limit := defaultPullPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	records, err := s.deps.Store.ListBufferRecords(ctx, transferSessionID, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	rmcbs, err := s.deps.Store.ListRecordMaxCounterBuffers(ctx, transferSessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	out := make([]BufferRecordWire, 0, len(records))
	for _, rec := range records {
		out = append(out, toBufferWire(rec, rmcbs))
	}
	writeJSON(w, http.StatusOK, out)
}
