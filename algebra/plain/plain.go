// Package plain is a cleartext reference backend for the ciphertext algebra.
// Handles map to plaintext values held in a private arena, so the operation
// semantics can be checked exactly against the homomorphic backend. It gives
// no confidentiality and exists for tests and development only.
package plain

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"cipherhealth/access"
	"cipherhealth/algebra"
	"cipherhealth/faults"
	"cipherhealth/utils"
)

type entry struct {
	value uint64
	width int
}

type Backend struct {
	mu     sync.RWMutex
	arena  map[string]entry
	bools  map[string]bool
	ledger *access.Ledger
}

// New builds a backend. A nil ledger disables decryption authorization,
// which only tests should rely on.
func New(ledger *access.Ledger) *Backend {
	return &Backend{
		arena:  make(map[string]entry),
		bools:  make(map[string]bool),
		ledger: ledger,
	}
}

// Seal encodes a value as the raw/proof pair accepted by Input. It stands in
// for the client-side encryptor.
func Seal(v uint64) (raw, proof []byte) {
	raw = make([]byte, 8)
	binary.BigEndian.PutUint64(raw, v)
	digest := md5.Sum(raw)
	return raw, digest[:]
}

func (B *Backend) store(v uint64, width int) algebra.Ciphertext {
	id := uuid.NewString()
	B.mu.Lock()
	B.arena[id] = entry{value: v & utils.MaxValue(width), width: width}
	B.mu.Unlock()
	return algebra.NewCiphertext(id, width)
}

func (B *Backend) storeBool(v bool) algebra.EncBool {
	id := uuid.NewString()
	B.mu.Lock()
	B.bools[id] = v
	B.mu.Unlock()
	return algebra.NewEncBool(id)
}

func (B *Backend) load(c algebra.Ciphertext) (entry, error) {
	B.mu.RLock()
	e, ok := B.arena[c.Handle()]
	B.mu.RUnlock()
	if !ok {
		return entry{}, fmt.Errorf("%w: ciphertext %s", faults.ErrNotFound, c.Handle())
	}
	return e, nil
}

func (B *Backend) loadBool(b algebra.EncBool) (bool, error) {
	B.mu.RLock()
	v, ok := B.bools[b.Handle()]
	B.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: encrypted bool %s", faults.ErrNotFound, b.Handle())
	}
	return v, nil
}

func (B *Backend) EncryptZero(width int) (algebra.Ciphertext, error) {
	return B.store(0, width), nil
}

func (B *Backend) Input(raw, proof []byte, width int) (algebra.Ciphertext, error) {
	if len(raw) != 8 {
		return algebra.Ciphertext{}, fmt.Errorf("%w: raw input must be 8 bytes, got %d", faults.ErrBadProof, len(raw))
	}
	digest := md5.Sum(raw)
	if subtle.ConstantTimeCompare(digest[:], proof) != 1 {
		return algebra.Ciphertext{}, faults.ErrBadProof
	}
	v := binary.BigEndian.Uint64(raw)
	if !utils.InWidth(v, width) {
		return algebra.Ciphertext{}, fmt.Errorf("%w: value exceeds %d bit width", faults.ErrBadProof, width)
	}
	return B.store(v, width), nil
}

func (B *Backend) Add(a, b algebra.Ciphertext) (algebra.Ciphertext, error) {
	ea, err := B.load(a)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	eb, err := B.load(b)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	width := utils.Max(ea.width, eb.width)
	return B.store(ea.value+eb.value, width), nil
}

func (B *Backend) AddBool(a algebra.Ciphertext, b algebra.EncBool) (algebra.Ciphertext, error) {
	ea, err := B.load(a)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	vb, err := B.loadBool(b)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	v := ea.value
	if vb {
		v++
	}
	return B.store(v, ea.width), nil
}

func (B *Backend) CmpGE(a algebra.Ciphertext, bound uint64) (algebra.EncBool, error) {
	ea, err := B.load(a)
	if err != nil {
		return algebra.EncBool{}, err
	}
	return B.storeBool(ea.value >= bound), nil
}

func (B *Backend) CmpLE(a algebra.Ciphertext, bound uint64) (algebra.EncBool, error) {
	ea, err := B.load(a)
	if err != nil {
		return algebra.EncBool{}, err
	}
	return B.storeBool(ea.value <= bound), nil
}

func (B *Backend) CmpEQ(a algebra.Ciphertext, target uint64) (algebra.EncBool, error) {
	ea, err := B.load(a)
	if err != nil {
		return algebra.EncBool{}, err
	}
	return B.storeBool(ea.value == target), nil
}

func (B *Backend) And(a, b algebra.EncBool) (algebra.EncBool, error) {
	va, err := B.loadBool(a)
	if err != nil {
		return algebra.EncBool{}, err
	}
	vb, err := B.loadBool(b)
	if err != nil {
		return algebra.EncBool{}, err
	}
	return B.storeBool(va && vb), nil
}

func (B *Backend) Select(cond algebra.EncBool, a, b algebra.Ciphertext) (algebra.Ciphertext, error) {
	vc, err := B.loadBool(cond)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	ea, err := B.load(a)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	eb, err := B.load(b)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	width := utils.Max(ea.width, eb.width)
	if vc {
		return B.store(ea.value, width), nil
	}
	return B.store(eb.value, width), nil
}

func (B *Backend) Marshal(c algebra.Ciphertext) ([]byte, error) {
	e, err := B.load(c)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 9)
	binary.BigEndian.PutUint64(data, e.value)
	data[8] = byte(e.width)
	return data, nil
}

func (B *Backend) Unmarshal(data []byte, width int) (algebra.Ciphertext, error) {
	if len(data) != 9 {
		return algebra.Ciphertext{}, fmt.Errorf("%w: malformed serialized ciphertext", faults.ErrNotFound)
	}
	if int(data[8]) != width {
		return algebra.Ciphertext{}, fmt.Errorf("%w: serialized width %d, caller expects %d", faults.ErrInvalidParameter, data[8], width)
	}
	return B.store(binary.BigEndian.Uint64(data), width), nil
}

func (B *Backend) Decrypt(c algebra.Ciphertext, p algebra.Principal) (uint64, error) {
	if B.ledger != nil && !B.ledger.IsGranted(c.Handle(), p) {
		return 0, fmt.Errorf("%w: %s may not decrypt %s", faults.ErrUnauthorized, p, c.Handle())
	}
	e, err := B.load(c)
	if err != nil {
		return 0, err
	}
	return e.value, nil
}

func (B *Backend) DecryptBool(b algebra.EncBool, p algebra.Principal) (bool, error) {
	if B.ledger != nil && !B.ledger.IsGranted(b.Handle(), p) {
		return false, fmt.Errorf("%w: %s may not decrypt %s", faults.ErrUnauthorized, p, b.Handle())
	}
	return B.loadBool(b)
}

var _ algebra.Algebra = (*Backend)(nil)
var _ algebra.Decrypter = (*Backend)(nil)
