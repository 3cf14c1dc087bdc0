// Defines the request and result shapes of the query surface.
package messages

import (
	"time"

	"cipherhealth/algebra"
	"cipherhealth/engine"
)

// QueryRequest is what a researcher submits: a plaintext predicate, their
// identity and the attached payment. It is ephemeral; only its result
// persists.
type QueryRequest struct {
	Predicate engine.Predicate  `json:"predicate"`
	Requester algebra.Principal `json:"requester"`
	Payment   uint64            `json:"payment"`
}

// QueryResult is created exactly once per query execution and never mutated
// afterwards, except for the externally toggled IsDecrypted flag.
// EncryptedSum and EncryptedCount are only meaningful together: the
// requester decrypts both and divides client-side.
type QueryResult struct {
	QueryID        uint64             `json:"query_id"`
	Requester      algebra.Principal  `json:"requester"`
	EncryptedSum   algebra.Ciphertext `json:"-"`
	EncryptedCount algebra.Ciphertext `json:"-"`
	// ConsideredIDs lists every active record scanned during evaluation,
	// independent of match outcome. It drives payment splitting.
	ConsideredIDs []uint64  `json:"considered_ids"`
	Timestamp     time.Time `json:"timestamp"`
	IsDecrypted   bool      `json:"is_decrypted"`
}
