// Package fhe backs the ciphertext algebra with BFV homomorphic encryption
// from lattigo. Values are encrypted slot-wise (broadcast across all slots,
// slot 0 is read back on decryption) and live in an arena keyed by opaque
// handles, so the rest of the system never touches lattice material.
//
// Comparisons against plaintext bounds are evaluated with the Fermat
// indicator: for x in Z_T, x^(T-1) is 0 iff x == 0, so Enc(a == v) is
// 1 - (a-v)^(T-1), computed with TUsableBits squarings. Range comparisons sum
// equality indicators over the bound's side of the field domain. This burns
// multiplicative depth, so comparison-heavy workloads need DEEPPARAMS.
package fhe

import (
	"crypto/md5"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tuneinsight/lattigo/v4/bfv"
	"github.com/tuneinsight/lattigo/v4/rlwe"

	"cipherhealth/access"
	"cipherhealth/algebra"
	"cipherhealth/faults"
	"cipherhealth/settings"
)

type Backend struct {
	box    *settings.HeBox
	ledger *access.Ledger

	arena sync.Map // handle -> *rlwe.Ciphertext
	bools sync.Map // handle -> *rlwe.Ciphertext holding Enc(0|1)

	decMu sync.Mutex
}

// New wraps an initialized HeBox. The box must carry a secret key and a
// relinearization key (GenSk and GenRelinKey already called).
func New(box *settings.HeBox, ledger *access.Ledger) (*Backend, error) {
	if box.Sk == nil || box.Rlk == nil || box.Evt == nil {
		return nil, fmt.Errorf("box is missing secret or relinearization key")
	}
	return &Backend{box: box, ledger: ledger}, nil
}

// NewDefault builds a backend over DEEPPARAMS with fresh keys. The deep
// modulus chain is the default because predicate evaluation runs the
// comparison circuit; a box over DEFAULTPARAMS only supports the shallow
// operations and its comparisons are rejected (see cmpRange).
func NewDefault(ledger *access.Ledger) (*Backend, error) {
	params, err := settings.NewDeepParams()
	if err != nil {
		return nil, err
	}
	box, err := settings.NewHeBox(params)
	if err != nil {
		return nil, err
	}
	box.GenSk()
	box.GenRelinKey()
	return New(box, ledger)
}

// Box exposes the underlying crypto material for client-side key handling.
func (B *Backend) Box() *settings.HeBox { return B.box }

// Seal encrypts a value client-side and returns the raw/proof pair accepted
// by Input.
func (B *Backend) Seal(v uint64) (raw, proof []byte, err error) {
	ct := B.box.Enc.ShallowCopy().EncryptNew(B.encodeConst(v))
	raw, err = ct.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	digest := md5.Sum(raw)
	return raw, digest[:], nil
}

func (B *Backend) encodeConst(v uint64) *rlwe.Plaintext {
	vec := make([]uint64, B.box.Params.N())
	for i := range vec {
		vec[i] = v % settings.T
	}
	return B.box.Ecd.ShallowCopy().EncodeNew(vec, B.box.Params.MaxLevel())
}

func (B *Backend) storeCt(ct *rlwe.Ciphertext, width int) algebra.Ciphertext {
	id := uuid.NewString()
	B.arena.Store(id, ct)
	return algebra.NewCiphertext(id, width)
}

func (B *Backend) storeBool(ct *rlwe.Ciphertext) algebra.EncBool {
	id := uuid.NewString()
	B.bools.Store(id, ct)
	return algebra.NewEncBool(id)
}

func (B *Backend) loadCt(c algebra.Ciphertext) (*rlwe.Ciphertext, error) {
	if v, ok := B.arena.Load(c.Handle()); ok {
		return v.(*rlwe.Ciphertext), nil
	}
	return nil, fmt.Errorf("%w: ciphertext %s", faults.ErrNotFound, c.Handle())
}

func (B *Backend) loadBool(b algebra.EncBool) (*rlwe.Ciphertext, error) {
	if v, ok := B.bools.Load(b.Handle()); ok {
		return v.(*rlwe.Ciphertext), nil
	}
	return nil, fmt.Errorf("%w: encrypted bool %s", faults.ErrNotFound, b.Handle())
}

func (B *Backend) EncryptZero(width int) (algebra.Ciphertext, error) {
	ct := B.box.Enc.ShallowCopy().EncryptZeroNew(B.box.Params.MaxLevel())
	return B.storeCt(ct, width), nil
}

func (B *Backend) Input(raw, proof []byte, width int) (algebra.Ciphertext, error) {
	digest := md5.Sum(raw)
	if subtle.ConstantTimeCompare(digest[:], proof) != 1 {
		return algebra.Ciphertext{}, faults.ErrBadProof
	}
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(raw); err != nil {
		return algebra.Ciphertext{}, fmt.Errorf("%w: %s", faults.ErrBadProof, err.Error())
	}
	return B.storeCt(ct, width), nil
}

func (B *Backend) Add(a, b algebra.Ciphertext) (algebra.Ciphertext, error) {
	cta, err := B.loadCt(a)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	ctb, err := B.loadCt(b)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	evt := B.box.Evt.ShallowCopy()
	out := cta.CopyNew()
	evt.Add(out, ctb, out)
	width := a.Width()
	if b.Width() > width {
		width = b.Width()
	}
	return B.storeCt(out, width), nil
}

func (B *Backend) AddBool(a algebra.Ciphertext, b algebra.EncBool) (algebra.Ciphertext, error) {
	cta, err := B.loadCt(a)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	ctb, err := B.loadBool(b)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	evt := B.box.Evt.ShallowCopy()
	out := cta.CopyNew()
	evt.Add(out, ctb, out)
	return B.storeCt(out, a.Width()), nil
}

// eqIndicator computes Enc(1) when ct encrypts v and Enc(0) for any other
// value of the plaintext domain.
func (B *Backend) eqIndicator(evt bfv.Evaluator, ct *rlwe.Ciphertext, v uint64) *rlwe.Ciphertext {
	diff := evt.SubNew(ct, B.encodeConst(v))
	pow := diff
	for i := 0; i < settings.TUsableBits; i++ {
		pow = evt.MulNew(pow, pow)
		if pow.Degree() > 1 {
			evt.Relinearize(pow, pow)
		}
	}
	ind := evt.NegNew(pow)
	evt.Add(ind, B.encodeConst(1), ind)
	return ind
}

func (B *Backend) cmpRange(a algebra.Ciphertext, lo, hi uint64) (algebra.EncBool, error) {
	// Each indicator squares its input TUsableBits times; a shallow modulus
	// chain decrypts that to garbage rather than failing, so refuse it here.
	if primes := B.box.Params.MaxLevel() + 1; primes < settings.TUsableBits {
		return algebra.EncBool{}, fmt.Errorf("modulus chain carries %d primes, comparisons need %d", primes, settings.TUsableBits)
	}
	ct, err := B.loadCt(a)
	if err != nil {
		return algebra.EncBool{}, err
	}
	evt := B.box.Evt.ShallowCopy()
	acc := B.box.Enc.ShallowCopy().EncryptZeroNew(B.box.Params.MaxLevel())
	for v := lo; v <= hi; v++ {
		evt.Add(acc, B.eqIndicator(evt, ct, v), acc)
	}
	return B.storeBool(acc), nil
}

func (B *Backend) CmpGE(a algebra.Ciphertext, bound uint64) (algebra.EncBool, error) {
	return B.cmpRange(a, bound, settings.MaxFieldValue(a.Width()))
}

func (B *Backend) CmpLE(a algebra.Ciphertext, bound uint64) (algebra.EncBool, error) {
	return B.cmpRange(a, 0, bound)
}

func (B *Backend) CmpEQ(a algebra.Ciphertext, target uint64) (algebra.EncBool, error) {
	return B.cmpRange(a, target, target)
}

func (B *Backend) And(a, b algebra.EncBool) (algebra.EncBool, error) {
	cta, err := B.loadBool(a)
	if err != nil {
		return algebra.EncBool{}, err
	}
	ctb, err := B.loadBool(b)
	if err != nil {
		return algebra.EncBool{}, err
	}
	evt := B.box.Evt.ShallowCopy()
	out := evt.MulNew(cta, ctb)
	if out.Degree() > 1 {
		evt.Relinearize(out, out)
	}
	return B.storeBool(out), nil
}

func (B *Backend) Select(cond algebra.EncBool, a, b algebra.Ciphertext) (algebra.Ciphertext, error) {
	ctc, err := B.loadBool(cond)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	cta, err := B.loadCt(a)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	ctb, err := B.loadCt(b)
	if err != nil {
		return algebra.Ciphertext{}, err
	}
	// cond*(a-b) + b
	evt := B.box.Evt.ShallowCopy()
	diff := evt.SubNew(cta, ctb)
	out := evt.MulNew(ctc, diff)
	if out.Degree() > 1 {
		evt.Relinearize(out, out)
	}
	evt.Add(out, ctb, out)
	width := a.Width()
	if b.Width() > width {
		width = b.Width()
	}
	return B.storeCt(out, width), nil
}

func (B *Backend) Marshal(c algebra.Ciphertext) ([]byte, error) {
	ct, err := B.loadCt(c)
	if err != nil {
		return nil, err
	}
	return ct.MarshalBinary()
}

func (B *Backend) Unmarshal(data []byte, width int) (algebra.Ciphertext, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return algebra.Ciphertext{}, err
	}
	return B.storeCt(ct, width), nil
}

func (B *Backend) decryptCt(ct *rlwe.Ciphertext) uint64 {
	B.decMu.Lock()
	pt := B.box.Dec.DecryptNew(ct)
	B.decMu.Unlock()
	return B.box.Ecd.ShallowCopy().DecodeUintNew(pt)[0]
}

func (B *Backend) Decrypt(c algebra.Ciphertext, p algebra.Principal) (uint64, error) {
	if B.ledger != nil && !B.ledger.IsGranted(c.Handle(), p) {
		return 0, fmt.Errorf("%w: %s may not decrypt %s", faults.ErrUnauthorized, p, c.Handle())
	}
	ct, err := B.loadCt(c)
	if err != nil {
		return 0, err
	}
	return B.decryptCt(ct), nil
}

func (B *Backend) DecryptBool(b algebra.EncBool, p algebra.Principal) (bool, error) {
	if B.ledger != nil && !B.ledger.IsGranted(b.Handle(), p) {
		return false, fmt.Errorf("%w: %s may not decrypt %s", faults.ErrUnauthorized, p, b.Handle())
	}
	ct, err := B.loadBool(b)
	if err != nil {
		return false, err
	}
	return B.decryptCt(ct) != 0, nil
}

var _ algebra.Algebra = (*Backend)(nil)
var _ algebra.Decrypter = (*Backend)(nil)
