package settings

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v4/bfv"
)

// T is the BFV plaintext modulus. All encrypted arithmetic lives in Z_T, so
// T-1 is the hard ceiling on any accumulator value.
var T = uint64(65537)
var TUsableBits = 16

/*
poly_modulus_degree             | max coeff_modulus bit-length
1024 2048 4096 8192 16384 32768 | 27 54 109 218 438 881
*/
var DEFAULTPARAMS = bfv.ParametersLiteral{T: T, LogN: 13, LogQ: []int{35, 60, 60}, LogP: []int{32, 31}}

// DEEPPARAMS carries enough modulus chain for the comparison circuit, which
// squares a ciphertext TUsableBits times to evaluate the Fermat indicator
// x^(T-1). Only needed when comparisons run on the lattice backend.
var DEEPPARAMS = bfv.ParametersLiteral{T: T, LogN: 15, LogQ: []int{50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50}, LogP: []int{60}}

// Plaintext widths, in bits, of the encrypted fields of a health record.
// Accumulators must be at least as wide as the largest possible sum they can
// hold; see ScanCap.
const (
	AgeWidth       = 7
	DiagnosisWidth = 10
	OutcomeWidth   = 7
	BiomarkerWidth = 16
	SumWidth       = 16
	CountWidth     = 16
)

// MaxOutcome is the domain ceiling of the outcome score field (0-100),
// tighter than what OutcomeWidth alone allows.
const MaxOutcome = 100

// MaxBiomarker is the domain ceiling of the biomarker field. The sum
// accumulator must hold MaxBiomarker times the scan cap without wrapping
// mod T, which is what couples this constant to ScanCap.
const MaxBiomarker = 1000

// ScanCap returns the largest active set size for which a sum of biomarker
// values cannot wrap around the plaintext modulus.
func ScanCap(maxBiomarker uint64) int {
	if maxBiomarker == 0 {
		return int(T - 1)
	}
	return int((T - 1) / maxBiomarker)
}

func NewDefaultParams() (bfv.Parameters, error) {
	return bfv.NewParametersFromLiteral(DEFAULTPARAMS)
}

func NewDeepParams() (bfv.Parameters, error) {
	return bfv.NewParametersFromLiteral(DEEPPARAMS)
}

func ParamsToString(literal bfv.ParametersLiteral) string {
	return fmt.Sprintf("LogN%dT%dLogQ%dLogP%d", literal.LogN, literal.T, literal.LogQ, literal.LogP)
}
