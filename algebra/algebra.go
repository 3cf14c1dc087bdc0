// Package algebra defines the boundary to the ciphertext algebra: opaque
// encrypted integers supporting addition, comparison against plaintext
// bounds, boolean AND and a ternary select. Ciphertexts are handles into a
// backend-managed arena; the core never inspects ciphertext bytes.
package algebra

// Principal identifies an external party: a patient, a researcher or the
// platform itself.
type Principal string

// Ciphertext is an opaque handle to an encrypted integer of a known
// plaintext width. The zero value is not a valid ciphertext.
type Ciphertext struct {
	handle string
	width  int
}

// EncBool is an opaque handle to an encrypted 0/1 truth value. It can only
// be produced by comparisons and And, and only consumed by Select, AddBool
// or an authorized decryption.
type EncBool struct {
	handle string
}

// NewCiphertext builds a handle. Reserved for backend implementations.
func NewCiphertext(handle string, width int) Ciphertext {
	return Ciphertext{handle: handle, width: width}
}

// NewEncBool builds a boolean handle. Reserved for backend implementations.
func NewEncBool(handle string) EncBool {
	return EncBool{handle: handle}
}

func (c Ciphertext) Handle() string { return c.handle }
func (c Ciphertext) Width() int     { return c.width }
func (c Ciphertext) Valid() bool    { return c.handle != "" }

func (b EncBool) Handle() string { return b.handle }
func (b EncBool) Valid() bool    { return b.handle != "" }

// Algebra is the operation set the query engine computes with. All
// operations are assumed correct and safe for concurrent invocation;
// the core does not re-verify their cryptographic soundness.
type Algebra interface {
	// EncryptZero returns a fresh encryption of zero at the given width.
	EncryptZero(width int) (Ciphertext, error)

	// Input verifies a raw encrypted input against its proof of correct
	// encryption and registers it in the arena. Fails with
	// faults.ErrBadProof when verification fails.
	Input(raw, proof []byte, width int) (Ciphertext, error)

	// Add returns a+b. The result takes the wider of the two widths.
	Add(a, b Ciphertext) (Ciphertext, error)

	// AddBool folds an encrypted 0/1 value into an accumulator.
	AddBool(a Ciphertext, b EncBool) (Ciphertext, error)

	// CmpGE returns Enc(a >= bound), CmpLE returns Enc(a <= bound) and
	// CmpEQ returns Enc(a == target). Bounds are plaintext and must lie in
	// a's representable domain.
	CmpGE(a Ciphertext, bound uint64) (EncBool, error)
	CmpLE(a Ciphertext, bound uint64) (EncBool, error)
	CmpEQ(a Ciphertext, target uint64) (EncBool, error)

	// And returns the conjunction of two encrypted booleans.
	And(a, b EncBool) (EncBool, error)

	// Select returns cond ? a : b without revealing cond.
	Select(cond EncBool, a, b Ciphertext) (Ciphertext, error)

	// Marshal and Unmarshal move ciphertexts across the persistence
	// boundary. The serialized form is backend-specific.
	Marshal(c Ciphertext) ([]byte, error)
	Unmarshal(data []byte, width int) (Ciphertext, error)
}

// Decrypter is implemented by backends that can open ciphertexts for
// authorized principals. Decryption happens at the client boundary, never
// inside the query engine.
type Decrypter interface {
	Decrypt(c Ciphertext, p Principal) (uint64, error)
	DecryptBool(b EncBool, p Principal) (bool, error)
}
