// Package store models the replicated record store: Store rows (the
// canonical persisted records), their RecordMaxCounter vector clocks, the
// Buffer/RecordMaxCounterBuffer wire-format mirrors used during a
// transfer, the DatabaseMaxCounter used to build FSICs, and the
// SyncSession/TransferSession rows that track an in-progress exchange.
package store

import "time"

// Record is the canonical replicated row. Its ID is content-addressed:
// sha256(Partition + SourceID + ModelName)[:16 bytes] hex-encoded, via
// pkcrypto.ContentUUID.
type Record struct {
	ID      string
	Profile string

	Serialized                string
	ConflictingSerializedData string
	Deleted                   bool
	HardDeleted               bool

	LastSavedInstance string
	LastSavedCounter  int64

	Partition string
	SourceID  string
	ModelName string

	SelfRefFK string

	DirtyBit              bool
	DeserializationError  string
	LastTransferSessionID string
}

// RecordMaxCounter is one (instance, counter) entry of a Record's vector
// clock: the highest counter that instance has ever saved this record at.
type RecordMaxCounter struct {
	StoreID    string
	InstanceID string
	Counter    int64
}

// BufferRecord is the wire-format mirror of a Record queued for, or
// received during, one transfer session.
type BufferRecord struct {
	TransferSessionID string
	ModelUUID         string

	Profile                   string
	Serialized                string
	ConflictingSerializedData string
	Deleted                   bool
	HardDeleted               bool

	LastSavedInstance string
	LastSavedCounter  int64

	Partition string
	SourceID  string
	ModelName string

	SelfRefFK string
}

// RecordMaxCounterBuffer is the wire-format mirror of a RecordMaxCounter
// queued for, or received during, one transfer session.
type RecordMaxCounterBuffer struct {
	TransferSessionID string
	ModelUUID         string
	InstanceID        string
	Counter           int64
}

// DatabaseMaxCounter records, per (instance, partition prefix), the
// highest counter this database has ever observed in its Store for that
// partition - the source of truth FSICs are built from.
type DatabaseMaxCounter struct {
	InstanceID string
	Partition  string
	Counter    int64
}

// DeletedModel and HardDeletedModel are transient sets populated when an
// app model is deleted, consumed by the next serialization pass and then
// cleared.
type DeletedModel struct {
	ID      string
	Profile string
}

// HardDeletedModel marks a model whose full history must be purged, not
// merely hidden, on the next serialization pass.
type HardDeletedModel struct {
	ID      string
	Profile string
}

// SyncSession is an established link between two morango instances.
type SyncSession struct {
	ID       string
	Profile  string
	IsServer bool

	ClientCertificateID string
	ServerCertificateID string

	ConnectionKind string // "network" or "disk"
	ConnectionPath string

	ClientIP string
	ServerIP string

	ClientInstanceJSON string
	ServerInstanceJSON string
	ExtraFieldsJSON     string

	StartTimestamp        time.Time
	LastActivityTimestamp time.Time
	Active                bool

	// ProcessID identifies the OS process currently driving this sync,
	// so a crashed owner's session can be resumed by another process.
	// Empty when no process currently owns it.
	ProcessID string
}

// TransferSession is one push or pull within a SyncSession, scoped to a
// single filter.
type TransferSession struct {
	ID            string
	SyncSessionID string

	Filter string
	Push   bool
	Active bool

	RecordsTransferred int64
	RecordsTotal       int64
	BytesSent          int64
	BytesReceived      int64

	ClientFSIC string
	ServerFSIC string

	Stage       int
	StageStatus int

	StartTimestamp        time.Time
	LastActivityTimestamp time.Time
}
