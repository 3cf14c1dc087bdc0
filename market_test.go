package cipherhealth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cipherhealth/access"
	"cipherhealth/algebra"
	"cipherhealth/algebra/plain"
	"cipherhealth/earnings"
	"cipherhealth/engine"
	"cipherhealth/faults"
	"cipherhealth/messages"
	"cipherhealth/settings"
	"cipherhealth/store"
)

type harness struct {
	ledger *access.Ledger
	alg    *plain.Backend
	store  *store.Store
	earn   *earnings.Ledger
	market *Marketplace
}

func newHarness(t *testing.T, cfg settings.Config) *harness {
	t.Helper()
	ledger := access.NewLedger()
	alg := plain.New(ledger)
	st := store.NewMemStore(alg)
	earn := earnings.NewLedger(algebra.Principal(cfg.Platform), cfg.PatientShareBps)
	return &harness{
		ledger: ledger,
		alg:    alg,
		store:  st,
		earn:   earn,
		market: NewMarketplace(cfg, alg, st, ledger, earn),
	}
}

func rawRecord(age, diag, outcome, bio uint64) RawRecord {
	field := func(v uint64) RawField {
		raw, proof := plain.Seal(v)
		return RawField{Raw: raw, Proof: proof}
	}
	return RawRecord{
		Age:       field(age),
		Diagnosis: field(diag),
		Outcome:   field(outcome),
		Biomarker: field(bio),
	}
}

func submitCohort(t *testing.T, h *harness) []uint64 {
	t.Helper()
	var ids []uint64
	for i, rec := range []RawRecord{
		rawRecord(25, 250, 80, 100),
		rawRecord(35, 250, 85, 200),
		rawRecord(45, 250, 90, 300),
	} {
		owner := algebra.Principal([]string{"p1", "p2", "p3"}[i])
		id, err := h.market.SubmitRecord(owner, rec)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSubmitQueryDecrypt(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	ids := submitCohort(t, h)

	result, err := h.market.RunQuery(messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.RangeEquality, MinAge: 30, MaxAge: 50, Diagnosis: 250},
		Requester: "researcher",
		Payment:   100,
	})
	require.NoError(t, err)
	require.Equal(t, ids, result.ConsideredIDs)

	// the requester got decrypt rights on the accumulators
	sum, err := h.alg.Decrypt(result.EncryptedSum, "researcher")
	require.NoError(t, err)
	count, err := h.alg.Decrypt(result.EncryptedCount, "researcher")
	require.NoError(t, err)
	require.Equal(t, uint64(500), sum)
	require.Equal(t, uint64(2), count)

	// nobody else did
	_, err = h.alg.Decrypt(result.EncryptedSum, "p1")
	require.ErrorIs(t, err, faults.ErrUnauthorized)

	// payment split: pool 70, three owners, remainder to platform
	require.Equal(t, uint64(23), h.earn.Balance("p1"))
	require.Equal(t, uint64(23), h.earn.Balance("p2"))
	require.Equal(t, uint64(23), h.earn.Balance("p3"))
	require.Equal(t, uint64(31), h.earn.Balance(algebra.Principal(settings.DefaultPlatform)))
}

func TestResultRetrievalIsRestricted(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	submitCohort(t, h)

	result, err := h.market.RunQuery(messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.EqualityThreshold, Diagnosis: 250, MinOutcome: 85},
		Requester: "researcher",
		Payment:   100,
	})
	require.NoError(t, err)

	_, err = h.market.Result(result.QueryID, "rival")
	require.ErrorIs(t, err, faults.ErrUnauthorized)

	got, err := h.market.Result(result.QueryID, "researcher")
	require.NoError(t, err)
	require.Equal(t, result.QueryID, got.QueryID)

	_, err = h.market.Result(999, "researcher")
	require.ErrorIs(t, err, faults.ErrNotFound)
}

func TestQueryIDsAreMonotonic(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	submitCohort(t, h)
	req := messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.EqualityThreshold, Diagnosis: 250, MinOutcome: 0},
		Requester: "researcher",
		Payment:   100,
	}
	for want := uint64(0); want < 3; want++ {
		result, err := h.market.RunQuery(req)
		require.NoError(t, err)
		require.Equal(t, want, result.QueryID)
	}
}

func TestInsufficientPayment(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	submitCohort(t, h)

	_, err := h.market.RunQuery(messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.RangeEquality, MinAge: 30, MaxAge: 50, Diagnosis: 250},
		Requester: "researcher",
		Payment:   settings.DefaultQueryFee - 1,
	})
	require.ErrorIs(t, err, faults.ErrInsufficientPayment)
}

func TestCapacityExceeded(t *testing.T) {
	cfg := settings.DefaultConfig()
	cfg.ScanCap = 2
	h := newHarness(t, cfg)
	submitCohort(t, h)

	_, err := h.market.RunQuery(messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.RangeEquality, MinAge: 30, MaxAge: 50, Diagnosis: 250},
		Requester: "researcher",
		Payment:   100,
	})
	require.ErrorIs(t, err, faults.ErrCapacityExceeded)
}

func TestRevocationExcludesFromLaterQueries(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	ids := submitCohort(t, h)

	require.NoError(t, h.market.Revoke(ids[1], "p2"))
	err := h.market.Revoke(ids[1], "p2")
	require.ErrorIs(t, err, faults.ErrAlreadyRevoked)

	result, err := h.market.RunQuery(messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.RangeEquality, MinAge: 30, MaxAge: 50, Diagnosis: 250},
		Requester: "researcher",
		Payment:   100,
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{ids[0], ids[2]}, result.ConsideredIDs)

	sum, err := h.alg.Decrypt(result.EncryptedSum, "researcher")
	require.NoError(t, err)
	require.Equal(t, uint64(300), sum)

	// the revoked owner no longer earns from new queries
	require.Equal(t, uint64(0), h.earn.Balance("p2"))
}

func TestOwnerKeepsDecryptRightsOnSubmission(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	id, err := h.market.SubmitRecord("p1", rawRecord(25, 250, 80, 100))
	require.NoError(t, err)

	recs := h.store.SnapshotActive()
	require.Equal(t, id, recs[0].ID)

	v, err := h.alg.Decrypt(recs[0].Fields.Age, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(25), v)

	_, err = h.alg.Decrypt(recs[0].Fields.Age, "p2")
	require.ErrorIs(t, err, faults.ErrUnauthorized)
}

func TestSubmitRejectsBadProof(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	rec := rawRecord(25, 250, 80, 100)
	rec.Biomarker.Proof[0] ^= 0xff
	_, err := h.market.SubmitRecord("p1", rec)
	require.ErrorIs(t, err, faults.ErrBadProof)
}

func TestSetDecrypted(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())
	submitCohort(t, h)

	result, err := h.market.RunQuery(messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.EqualityThreshold, Diagnosis: 250, MinOutcome: 0},
		Requester: "researcher",
		Payment:   100,
	})
	require.NoError(t, err)

	err = h.market.SetDecrypted(result.QueryID, "rival")
	require.ErrorIs(t, err, faults.ErrUnauthorized)

	require.NoError(t, h.market.SetDecrypted(result.QueryID, "researcher"))
	got, err := h.market.Result(result.QueryID, "researcher")
	require.NoError(t, err)
	require.True(t, got.IsDecrypted)
}

func TestNoMatchQueryStillPaysPlatformOnly(t *testing.T) {
	h := newHarness(t, settings.DefaultConfig())

	// empty active set: accumulators are zero, full amount to platform
	result, err := h.market.RunQuery(messages.QueryRequest{
		Predicate: engine.Predicate{Kind: engine.RangeEquality, MinAge: 30, MaxAge: 50, Diagnosis: 250},
		Requester: "researcher",
		Payment:   100,
	})
	require.NoError(t, err)
	require.Empty(t, result.ConsideredIDs)

	sum, err := h.alg.Decrypt(result.EncryptedSum, "researcher")
	require.NoError(t, err)
	count, err := h.alg.Decrypt(result.EncryptedCount, "researcher")
	require.NoError(t, err)
	require.Equal(t, uint64(0), sum)
	require.Equal(t, uint64(0), count)
	require.Equal(t, uint64(100), h.earn.Balance(algebra.Principal(settings.DefaultPlatform)))
}
