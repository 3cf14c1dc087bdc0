package engine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"cipherhealth/algebra"
	"cipherhealth/algebra/plain"
	"cipherhealth/faults"
	"cipherhealth/settings"
	"cipherhealth/store"
)

// shadow mirrors a record's plaintext values so homomorphic results can be
// checked exactly.
type shadow struct {
	age, diagnosis, outcome, biomarker uint64
}

func (s shadow) matches(p Predicate) bool {
	switch p.Kind {
	case RangeEquality:
		return s.age >= p.MinAge && s.age <= p.MaxAge && s.diagnosis == p.Diagnosis
	case EqualityThreshold:
		return s.diagnosis == p.Diagnosis && s.outcome >= p.MinOutcome
	}
	return false
}

func expected(shadows []shadow, p Predicate) (sum, count uint64) {
	for _, s := range shadows {
		if s.matches(p) {
			if p.Kind == RangeEquality {
				sum += s.biomarker
			}
			count++
		}
	}
	return sum, count
}

func encryptShadows(t *testing.T, B *plain.Backend, shadows []shadow) []store.Record {
	t.Helper()
	input := func(v uint64, width int) algebra.Ciphertext {
		raw, proof := plain.Seal(v)
		ct, err := B.Input(raw, proof, width)
		require.NoError(t, err)
		return ct
	}
	snapshot := make([]store.Record, len(shadows))
	for i, s := range shadows {
		snapshot[i] = store.Record{
			ID:    uint64(i),
			Owner: "patient",
			Fields: store.EncryptedFields{
				Age:       input(s.age, settings.AgeWidth),
				Diagnosis: input(s.diagnosis, settings.DiagnosisWidth),
				Outcome:   input(s.outcome, settings.OutcomeWidth),
				Biomarker: input(s.biomarker, settings.BiomarkerWidth),
			},
			Active: true,
		}
	}
	return snapshot
}

func decryptAggregate(t *testing.T, B *plain.Backend, agg *Aggregate) (sum, count uint64) {
	t.Helper()
	sum, err := B.Decrypt(agg.Sum, "t")
	require.NoError(t, err)
	count, err = B.Decrypt(agg.Count, "t")
	require.NoError(t, err)
	return sum, count
}

func TestRangeEqualityScenario(t *testing.T) {
	B := plain.New(nil)
	E := New(B)
	shadows := []shadow{
		{age: 25, diagnosis: 250, outcome: 80, biomarker: 100},
		{age: 35, diagnosis: 250, outcome: 85, biomarker: 200},
		{age: 45, diagnosis: 250, outcome: 90, biomarker: 300},
	}
	snapshot := encryptShadows(t, B, shadows)

	agg, err := E.Evaluate(Predicate{Kind: RangeEquality, MinAge: 30, MaxAge: 50, Diagnosis: 250}, snapshot)
	require.NoError(t, err)

	sum, count := decryptAggregate(t, B, agg)
	require.Equal(t, uint64(500), sum)
	require.Equal(t, uint64(2), count)
	require.Equal(t, []uint64{0, 1, 2}, agg.ConsideredIDs)
}

func TestRevokedRecordIsNotConsidered(t *testing.T) {
	B := plain.New(nil)
	E := New(B)
	S := store.NewMemStore(B)
	shadows := []shadow{
		{age: 25, diagnosis: 250, outcome: 80, biomarker: 100},
		{age: 35, diagnosis: 250, outcome: 85, biomarker: 200},
		{age: 45, diagnosis: 250, outcome: 90, biomarker: 300},
	}
	for _, rec := range encryptShadows(t, B, shadows) {
		_, err := S.Append("patient", rec.Fields)
		require.NoError(t, err)
	}
	pred := Predicate{Kind: RangeEquality, MinAge: 30, MaxAge: 50, Diagnosis: 250}

	// record 0 does not match the predicate, so only the considered list moves
	require.NoError(t, S.Revoke(0, "patient"))
	agg, err := E.Evaluate(pred, S.SnapshotActive())
	require.NoError(t, err)
	sum, count := decryptAggregate(t, B, agg)
	require.Equal(t, []uint64{1, 2}, agg.ConsideredIDs)
	require.Equal(t, uint64(500), sum)
	require.Equal(t, uint64(2), count)

	// record 1 would have matched: its exclusion must change the result
	require.NoError(t, S.Revoke(1, "patient"))
	agg, err = E.Evaluate(pred, S.SnapshotActive())
	require.NoError(t, err)
	sum, count = decryptAggregate(t, B, agg)
	require.Equal(t, []uint64{2}, agg.ConsideredIDs)
	require.Equal(t, uint64(300), sum)
	require.Equal(t, uint64(1), count)
}

func TestEqualityThresholdKeepsSumZero(t *testing.T) {
	B := plain.New(nil)
	E := New(B)
	shadows := []shadow{
		{age: 25, diagnosis: 250, outcome: 80, biomarker: 100},
		{age: 35, diagnosis: 250, outcome: 40, biomarker: 200},
		{age: 45, diagnosis: 111, outcome: 95, biomarker: 300},
	}
	snapshot := encryptShadows(t, B, shadows)

	agg, err := E.Evaluate(Predicate{Kind: EqualityThreshold, Diagnosis: 250, MinOutcome: 50}, snapshot)
	require.NoError(t, err)

	sum, count := decryptAggregate(t, B, agg)
	require.Equal(t, uint64(0), sum)
	require.Equal(t, uint64(1), count)
	require.Equal(t, []uint64{0, 1, 2}, agg.ConsideredIDs)
}

func TestEmptyActiveSetYieldsZeros(t *testing.T) {
	B := plain.New(nil)
	E := New(B)

	agg, err := E.Evaluate(Predicate{Kind: RangeEquality, MinAge: 0, MaxAge: 100, Diagnosis: 1}, nil)
	require.NoError(t, err)

	sum, count := decryptAggregate(t, B, agg)
	require.Equal(t, uint64(0), sum)
	require.Equal(t, uint64(0), count)
	require.Empty(t, agg.ConsideredIDs)
}

func TestParameterValidation(t *testing.T) {
	B := plain.New(nil)
	E := New(B)

	for _, pred := range []Predicate{
		{Kind: 0},
		{Kind: RangeEquality, MinAge: 50, MaxAge: 30, Diagnosis: 1},
		{Kind: RangeEquality, MinAge: 0, MaxAge: 200, Diagnosis: 1},
		{Kind: RangeEquality, MinAge: 0, MaxAge: 100, Diagnosis: 5000},
		{Kind: EqualityThreshold, Diagnosis: 1, MinOutcome: 101},
		{Kind: EqualityThreshold, Diagnosis: 5000},
	} {
		_, err := E.Evaluate(pred, nil)
		require.ErrorIs(t, err, faults.ErrInvalidParameter, "predicate %+v", pred)
	}
}

func genShadow() gopter.Gen {
	return gopter.CombineGens(
		gen.UInt64Range(0, settings.MaxFieldValue(settings.AgeWidth)),
		gen.UInt64Range(240, 260), // narrow band so predicates actually hit
		gen.UInt64Range(0, settings.MaxOutcome),
		gen.UInt64Range(0, settings.MaxBiomarker),
	).Map(func(vals []interface{}) shadow {
		return shadow{
			age:       vals[0].(uint64),
			diagnosis: vals[1].(uint64),
			outcome:   vals[2].(uint64),
			biomarker: vals[3].(uint64),
		}
	})
}

func TestAccumulatorCorrectnessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	// keep generated sets under the overflow-safe scan cap
	parameters.MaxSize = 40

	properties := gopter.NewProperties(parameters)
	properties.Property("decrypted accumulators equal the plaintext mirror", prop.ForAll(
		func(shadows []shadow, aLo, aHi, diag, minOutcome uint64) bool {
			if aLo > aHi {
				aLo, aHi = aHi, aLo
			}
			B := plain.New(nil)
			E := New(B)
			snapshot := encryptShadows(t, B, shadows)

			for _, pred := range []Predicate{
				{Kind: RangeEquality, MinAge: aLo, MaxAge: aHi, Diagnosis: diag},
				{Kind: EqualityThreshold, Diagnosis: diag, MinOutcome: minOutcome},
			} {
				agg, err := E.Evaluate(pred, snapshot)
				if err != nil {
					return false
				}
				sum, count := decryptAggregate(t, B, agg)
				wantSum, wantCount := expected(shadows, pred)
				if pred.Kind == EqualityThreshold {
					wantSum = 0
				}
				if sum != wantSum || count != wantCount {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genShadow()),
		gen.UInt64Range(0, settings.MaxFieldValue(settings.AgeWidth)),
		gen.UInt64Range(0, settings.MaxFieldValue(settings.AgeWidth)),
		gen.UInt64Range(240, 260),
		gen.UInt64Range(0, settings.MaxOutcome),
	))
	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestOrderIndependenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.MaxSize = 40

	properties := gopter.NewProperties(parameters)
	properties.Property("scan order never changes the decrypted accumulators", prop.ForAll(
		func(shadows []shadow) bool {
			B := plain.New(nil)
			E := New(B)
			pred := Predicate{Kind: RangeEquality, MinAge: 20, MaxAge: 90, Diagnosis: 250}

			forward := encryptShadows(t, B, shadows)
			reversed := make([]store.Record, len(forward))
			for i := range forward {
				reversed[len(forward)-1-i] = forward[i]
			}

			aggF, err := E.Evaluate(pred, forward)
			if err != nil {
				return false
			}
			aggR, err := E.Evaluate(pred, reversed)
			if err != nil {
				return false
			}
			sumF, countF := decryptAggregate(t, B, aggF)
			sumR, countR := decryptAggregate(t, B, aggR)
			return sumF == sumR && countF == countR
		},
		gen.SliceOf(genShadow()),
	))
	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
