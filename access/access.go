// Package access tracks which principals may request decryption of which
// ciphertexts. Grants are monotonic: once given, never revoked by this core.
// Revoking a record does not revoke grants on query results already computed
// from it, since those results are immutable history.
package access

import (
	"sync"

	"cipherhealth/algebra"
)

type Ledger struct {
	mu     sync.RWMutex
	grants map[string]map[algebra.Principal]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{grants: make(map[string]map[algebra.Principal]struct{})}
}

// Grant allows p to request decryption of the ciphertext behind handle.
// Granting twice has no additional effect.
func (L *Ledger) Grant(handle string, p algebra.Principal) {
	L.mu.Lock()
	defer L.mu.Unlock()
	if _, ok := L.grants[handle]; !ok {
		L.grants[handle] = make(map[algebra.Principal]struct{})
	}
	L.grants[handle][p] = struct{}{}
}

// GrantCiphertext is Grant on a ciphertext handle.
func (L *Ledger) GrantCiphertext(c algebra.Ciphertext, p algebra.Principal) {
	L.Grant(c.Handle(), p)
}

// GrantBool is Grant on an encrypted boolean handle.
func (L *Ledger) GrantBool(b algebra.EncBool, p algebra.Principal) {
	L.Grant(b.Handle(), p)
}

func (L *Ledger) IsGranted(handle string, p algebra.Principal) bool {
	L.mu.RLock()
	defer L.mu.RUnlock()
	_, ok := L.grants[handle][p]
	return ok
}
