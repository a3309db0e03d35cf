// Package domain contains pure business types with ZERO infrastructure imports.
// It is the innermost ring of the service and depends on nothing.
package domain

import (
	"strings"
	"time"
)

// GenesisHash is the previousHash of the first ledger entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ─── Actions ────────────────────────────────────────────────────────────────

// Action is the closed vocabulary of ledger events.
type Action string

const (
	ActionTaskCreated        Action = "TASK_CREATED"
	ActionProofUploaded      Action = "PROOF_UPLOADED"
	ActionFileReplaced       Action = "FILE_REPLACED"
	ActionTaskCompleted      Action = "TASK_COMPLETED"
	ActionProofLinkGenerated Action = "PROOF_LINK_GENERATED"
	ActionProofLinkUpdated   Action = "PROOF_LINK_UPDATED"
	ActionAccountDeleted     Action = "ACCOUNT_DELETED"
	ActionLogin2FASuccess    Action = "LOGIN_2FA_SUCCESS"
	Action2FAFailedAttempt   Action = "2FA_FAILED_ATTEMPT"
	Action2FAEnabled         Action = "2FA_ENABLED"
	Action2FADisabled        Action = "2FA_DISABLED"
	ActionLedgerRepaired     Action = "LEDGER_REPAIRED"
)

var knownActions = map[Action]bool{
	ActionTaskCreated:        true,
	ActionProofUploaded:      true,
	ActionFileReplaced:       true,
	ActionTaskCompleted:      true,
	ActionProofLinkGenerated: true,
	ActionProofLinkUpdated:   true,
	ActionAccountDeleted:     true,
	ActionLogin2FASuccess:    true,
	Action2FAFailedAttempt:   true,
	Action2FAEnabled:         true,
	Action2FADisabled:        true,
	ActionLedgerRepaired:     true,
}

// Valid reports whether a is part of the ledger vocabulary.
func (a Action) Valid() bool { return knownActions[a] }

// ExternalActions are the actions collaborators outside the task core may
// record directly (authentication and account lifecycle).
var ExternalActions = map[Action]bool{
	ActionAccountDeleted:   true,
	ActionLogin2FASuccess:  true,
	Action2FAFailedAttempt: true,
	Action2FAEnabled:       true,
	Action2FADisabled:      true,
}

// IntegrityStatus marks whether an entry records a detected integrity problem.
type IntegrityStatus string

const (
	IntegrityValid   IntegrityStatus = "valid"
	IntegrityFlagged IntegrityStatus = "flagged"
)

// ─── Ledger Entry ───────────────────────────────────────────────────────────

// Fingerprint holds salted hashes of the client IP and device. Raw values
// never reach the ledger.
type Fingerprint struct {
	IPHash     string `json:"ip_hash,omitempty"`
	DeviceHash string `json:"device_hash,omitempty"`
}

// IsZero reports whether no fingerprint was captured.
func (f Fingerprint) IsZero() bool { return f.IPHash == "" && f.DeviceHash == "" }

// LedgerEntry is one immutable, hash-chained audit record.
type LedgerEntry struct {
	ID                string          `json:"id"`
	Seq               int64           `json:"seq"`
	ActorID           string          `json:"actor_id"`
	Action            Action          `json:"action"`
	Details           string          `json:"details"`
	SubjectTaskID     string          `json:"subject_task_id,omitempty"`
	Metadata          Metadata        `json:"metadata"`
	EntityType        string          `json:"entity_type,omitempty"`
	EntityID          string          `json:"entity_id,omitempty"`
	ClientFingerprint Fingerprint     `json:"client_fingerprint"`
	EntryHash         string          `json:"entry_hash"`
	PreviousHash      string          `json:"previous_hash"`
	IntegrityStatus   IntegrityStatus `json:"integrity_status"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Event is the input to the chain appender: everything an entry carries
// except the fields the appender and store assign.
type Event struct {
	ActorID         string
	Action          Action
	Details         string
	SubjectTaskID   string
	Metadata        Metadata
	EntityType      string
	EntityID        string
	Fingerprint     Fingerprint
	IntegrityStatus IntegrityStatus
}

// Validate rejects malformed events before any hashing happens.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ActorID) == "" {
		return Invalid("actor id is required")
	}
	if !e.Action.Valid() {
		return Invalid("unknown action %q", e.Action)
	}
	switch e.IntegrityStatus {
	case "", IntegrityValid, IntegrityFlagged:
	default:
		return Invalid("unknown integrity status %q", e.IntegrityStatus)
	}
	if (e.EntityType == "") != (e.EntityID == "") {
		return Invalid("entity type and entity id must be set together")
	}
	return e.Metadata.Validate()
}

// ─── Verification ───────────────────────────────────────────────────────────

// ViolationKind classifies a chain break.
type ViolationKind string

const (
	ViolationHashMismatch       ViolationKind = "hash_mismatch"
	ViolationLinkageMismatch    ViolationKind = "linkage_mismatch"
	ViolationDuplicateHash      ViolationKind = "duplicate_hash"
	ViolationOutOfOrder         ViolationKind = "out_of_order"
	ViolationMissingHash        ViolationKind = "missing_hash"
	ViolationCheckpointMismatch ViolationKind = "checkpoint_mismatch"
)

// ChainViolation reports one break found while walking the ledger.
type ChainViolation struct {
	EntryID string        `json:"entry_id,omitempty"`
	Seq     int64         `json:"seq"`
	Kind    ViolationKind `json:"kind"`
	Detail  string        `json:"detail"`
}

func (v ChainViolation) Error() string {
	return string(v.Kind) + " at seq " + itoa(v.Seq) + ": " + v.Detail
}

// Checkpoint is a Merkle root over the entry hashes of a contiguous seq range.
type Checkpoint struct {
	FromSeq   int64     `json:"from_seq"`
	ToSeq     int64     `json:"to_seq"`
	RootHash  string    `json:"root_hash"`
	CreatedAt time.Time `json:"created_at"`
}
