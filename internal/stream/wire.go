package stream

import "encoding/json"

// Wire field names shared by both protocol directions.
const (
	fieldSyncID   = "sync_id"
	fieldComplete = "complete"

	// deletedSuffix marks a field as a range-encoded list of deleted keys
	// for the group named by the rest of the field, e.g. "trials_deleted".
	deletedSuffix = "_deleted"
)

// Message is one parsed server-to-client message, keyed by wire field name.
// Upsert callbacks receive the whole message so they can extract co-located
// entities themselves.
type Message map[string]json.RawMessage

// subscribePayload is the client-to-server envelope for one subscription
// send: per group, the known-key set and the spec's wire fields augmented
// with the "since" cursor.
type subscribePayload struct {
	SyncID    string                    `json:"sync_id"`
	Known     map[string]string         `json:"known"`
	Subscribe map[string]map[string]any `json:"subscribe"`
}

// entityRecord is the part of an upserted entity the engine itself needs;
// everything else in the value is the caller's business.
type entityRecord struct {
	ID  int64 `json:"id"`
	Seq int64 `json:"seq"`
}
