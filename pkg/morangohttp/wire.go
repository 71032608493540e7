package morangohttp

// InfoResponse is the morangoinfo/ GET body: instance identity plus the
// capability set the peer advertises.
type InfoResponse struct {
	InstanceHash string   `json:"instance_hash"`
	Capabilities []string `json:"capabilities"`
	InstanceInfo any      `json:"instance_info,omitempty"`
}

// PublicKeyResponse is one entry of the publickey/ GET body, a list
// matching the original's list-of-{"public_key": "..."} shape.
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// NonceResponse is the nonces/ POST body.
type NonceResponse struct {
	ID string `json:"id"`
}

// CertificateWire is the certificates/ GET/POST wire shape: a certificate's
// canonical serialized bytes plus its detached signature, never its
// private key.
type CertificateWire struct {
	ID          string `json:"id"`
	ParentID    string `json:"parent_id"`
	Profile     string `json:"profile"`
	Serialized  string `json:"serialized"`
	Signature   string `json:"signature"`
	ScopeDefID  string `json:"scope_definition_id"`
	ScopeVer    int    `json:"scope_version"`
	ScopeParams string `json:"scope_params"`
	PublicKey   string `json:"public_key_string"`
}

// CertificateSigningRequest is the certificates/ POST body when minting a
// new child certificate (Basic-authenticated).
type CertificateSigningRequest struct {
	Parent           string `json:"parent"`
	Profile          string `json:"profile"`
	ScopeDefinition  string `json:"scope_definition"`
	ScopeVersion     int    `json:"scope_version"`
	ScopeParamsJSON  string `json:"scope_params"`
	PublicKeyString  string `json:"public_key"`
}

// CreateSyncSessionRequest is the syncsessions/ POST body.
type CreateSyncSessionRequest struct {
	ID                   string `json:"id"`
	ServerCertificateID  string `json:"server_certificate_id"`
	ClientCertificateID  string `json:"client_certificate_id"`
	Profile              string `json:"profile"`
	ConnectionPath       string `json:"connection_path"`
	ClientInstanceJSON   string `json:"instance"`
	Nonce                string `json:"nonce"`
	Signature            string `json:"signature"`
	ClientIP             string `json:"client_ip"`
	ServerIP             string `json:"server_ip"`
}

// SyncSessionWire is the syncsessions/ response body.
type SyncSessionWire struct {
	ID                 string `json:"id"`
	Signature          string `json:"signature"`
	ServerInstanceJSON string `json:"server_instance"`
}

// CreateTransferSessionRequest is the transfersessions/ POST body.
type CreateTransferSessionRequest struct {
	ID            string `json:"id"`
	SyncSessionID string `json:"sync_session_id"`
	Filter        string `json:"filter"`
	Push          bool   `json:"push"`
	ClientFSIC    string `json:"client_fsic"`
	RecordsTotal  int64  `json:"records_total,omitempty"`
}

// UpdateTransferSessionRequest is the transfersessions/{id} PATCH body.
// TransferStage, when set, asks the peer to run its own middleware registry
// up to that stage before responding - the async_operations counterpart of
// remote_proceed_to - rather than just recording a reported count.
type UpdateTransferSessionRequest struct {
	RecordsTotal       *int64 `json:"records_total,omitempty"`
	RecordsTransferred *int64 `json:"records_transferred,omitempty"`
	TransferStage      *int   `json:"transfer_stage,omitempty"`
}

// TransferSessionWire is the transfersessions/ response body.
type TransferSessionWire struct {
	ID                 string `json:"id"`
	ServerFSIC         string `json:"server_fsic"`
	ClientFSIC         string `json:"client_fsic"`
	RecordsTotal       int64  `json:"records_total"`
	RecordsTransferred int64  `json:"records_transferred"`
	TransferStage      int    `json:"transfer_stage"`
	TransferStageStatus int   `json:"transfer_stage_status"`
}

// BufferRecordWire is one record as it crosses the wire in a buffers/
// POST body or GET response, per spec.md §6.2.
type BufferRecordWire struct {
	Profile                   string                `json:"profile"`
	Serialized                string                `json:"serialized"`
	Deleted                   bool                  `json:"deleted"`
	HardDeleted               bool                  `json:"hard_deleted"`
	LastSavedInstance         string                `json:"last_saved_instance"`
	LastSavedCounter          int64                 `json:"last_saved_counter"`
	Partition                 string                `json:"partition"`
	SourceID                  string                `json:"source_id"`
	ModelName                 string                `json:"model_name"`
	ModelUUID                 string                `json:"model_uuid"`
	ConflictingSerializedData string                `json:"conflicting_serialized_data"`
	SelfRefFK                 string                `json:"_self_ref_fk"`
	TransferSession           string                `json:"transfer_session"`
	RMCBList                  []RMCBufferEntryWire `json:"rmcb_list"`
}

// RMCBufferEntryWire is one record_max_counter_buffer row nested inside a
// BufferRecordWire.
type RMCBufferEntryWire struct {
	InstanceID      string `json:"instance_id"`
	Counter         int64  `json:"counter"`
	TransferSession string `json:"transfer_session"`
	ModelUUID       string `json:"model_uuid"`
}

// errorBody is the JSON shape every non-2xx handler response uses.
type errorBody struct {
	Error string `json:"error"`
}
