// Package cipherhealth wires the marketplace together: patients submit
// encrypted health records, researchers pay to run aggregate queries over
// them, and nobody - platform included - ever sees a plaintext field value.
package cipherhealth

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cipherhealth/access"
	"cipherhealth/algebra"
	"cipherhealth/earnings"
	"cipherhealth/engine"
	"cipherhealth/faults"
	"cipherhealth/messages"
	"cipherhealth/settings"
	"cipherhealth/store"
	"cipherhealth/utils"
)

// RawField is an encrypted input as it arrives from a client: the backend's
// serialized ciphertext plus its proof of correct encryption.
type RawField struct {
	Raw   []byte `json:"raw"`
	Proof []byte `json:"proof"`
}

// RawRecord carries the fixed tuple of encrypted fields of a submission.
type RawRecord struct {
	Age       RawField `json:"age"`
	Diagnosis RawField `json:"diagnosis"`
	Outcome   RawField `json:"outcome"`
	Biomarker RawField `json:"biomarker"`
}

type Marketplace struct {
	cfg      settings.Config
	alg      algebra.Algebra
	store    *store.Store
	engine   *engine.Engine
	access   *access.Ledger
	earnings *earnings.Ledger

	mu        sync.Mutex
	nextQuery uint64
	results   map[uint64]*messages.QueryResult
}

func NewMarketplace(cfg settings.Config, alg algebra.Algebra, st *store.Store, acc *access.Ledger, earn *earnings.Ledger) *Marketplace {
	return &Marketplace{
		cfg:      cfg,
		alg:      alg,
		store:    st,
		engine:   engine.New(alg),
		access:   acc,
		earnings: earn,
		results:  make(map[uint64]*messages.QueryResult),
	}
}

// SubmitRecord verifies the input proofs, registers the ciphertexts and
// appends an active record owned by owner.
func (M *Marketplace) SubmitRecord(owner algebra.Principal, raw RawRecord) (uint64, error) {
	age, err := M.alg.Input(raw.Age.Raw, raw.Age.Proof, settings.AgeWidth)
	if err != nil {
		return 0, err
	}
	diag, err := M.alg.Input(raw.Diagnosis.Raw, raw.Diagnosis.Proof, settings.DiagnosisWidth)
	if err != nil {
		return 0, err
	}
	outcome, err := M.alg.Input(raw.Outcome.Raw, raw.Outcome.Proof, settings.OutcomeWidth)
	if err != nil {
		return 0, err
	}
	biomarker, err := M.alg.Input(raw.Biomarker.Raw, raw.Biomarker.Proof, settings.BiomarkerWidth)
	if err != nil {
		return 0, err
	}
	fields := store.EncryptedFields{Age: age, Diagnosis: diag, Outcome: outcome, Biomarker: biomarker}
	id, err := M.store.Append(owner, fields)
	if err != nil {
		return 0, err
	}
	// The owner keeps decrypt rights on their own submission.
	M.access.GrantCiphertext(age, owner)
	M.access.GrantCiphertext(diag, owner)
	M.access.GrantCiphertext(outcome, owner)
	M.access.GrantCiphertext(biomarker, owner)
	return id, nil
}

// Revoke excludes the record from all future queries. Encrypted data is
// retained and previously granted decrypt rights stay valid.
func (M *Marketplace) Revoke(id uint64, caller algebra.Principal) error {
	return M.store.Revoke(id, caller)
}

// ListByOwner returns the caller's record ids in insertion order.
func (M *Marketplace) ListByOwner(owner algebra.Principal) []uint64 {
	return M.store.ListByOwner(owner)
}

// RunQuery checks the payment and the predicate, scans one atomic snapshot
// of the active set, grants the requester decrypt rights on the result
// accumulators and splits the payment among the owners of the considered
// records. All precondition failures abort before any homomorphic work.
func (M *Marketplace) RunQuery(req messages.QueryRequest) (*messages.QueryResult, error) {
	if req.Payment < M.cfg.QueryFee {
		return nil, fmt.Errorf("%w: attached %d, fee is %d", faults.ErrInsufficientPayment, req.Payment, M.cfg.QueryFee)
	}
	if err := req.Predicate.Validate(); err != nil {
		return nil, err
	}
	snapshot := M.store.SnapshotActive()
	if len(snapshot) > M.cfg.ScanCap {
		return nil, fmt.Errorf("%w: %d active records, cap is %d", faults.ErrCapacityExceeded, len(snapshot), M.cfg.ScanCap)
	}

	agg, err := M.engine.Evaluate(req.Predicate, snapshot)
	if err != nil {
		return nil, err
	}

	M.access.GrantCiphertext(agg.Sum, req.Requester)
	M.access.GrantCiphertext(agg.Count, req.Requester)

	owners := make([]algebra.Principal, 0, len(agg.ConsideredIDs))
	for _, id := range agg.ConsideredIDs {
		owner, err := M.store.OwnerOf(id)
		if err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	M.earnings.Distribute(owners, req.Requester, req.Payment)

	M.mu.Lock()
	result := &messages.QueryResult{
		QueryID:        M.nextQuery,
		Requester:      req.Requester,
		EncryptedSum:   agg.Sum,
		EncryptedCount: agg.Count,
		ConsideredIDs:  agg.ConsideredIDs,
		Timestamp:      time.Now().UTC(),
	}
	M.nextQuery++
	M.results[result.QueryID] = result
	M.mu.Unlock()

	utils.Logger.WithFields(logrus.Fields{
		"service":    "marketplace",
		"queryId":    result.QueryID,
		"requester":  req.Requester,
		"considered": len(agg.ConsideredIDs),
	}).Info("Query completed")
	return copyResult(result), nil
}

// Result returns the stored result, restricted to its requester.
func (M *Marketplace) Result(queryID uint64, requester algebra.Principal) (*messages.QueryResult, error) {
	M.mu.Lock()
	defer M.mu.Unlock()
	result, ok := M.results[queryID]
	if !ok {
		return nil, fmt.Errorf("%w: query %d", faults.ErrNotFound, queryID)
	}
	if result.Requester != requester {
		return nil, fmt.Errorf("%w: query %d belongs to another requester", faults.ErrUnauthorized, queryID)
	}
	return copyResult(result), nil
}

// SetDecrypted records that the requester completed a decryption round-trip
// for this result. The flag is the only mutable part of a stored result.
func (M *Marketplace) SetDecrypted(queryID uint64, requester algebra.Principal) error {
	M.mu.Lock()
	defer M.mu.Unlock()
	result, ok := M.results[queryID]
	if !ok {
		return fmt.Errorf("%w: query %d", faults.ErrNotFound, queryID)
	}
	if result.Requester != requester {
		return fmt.Errorf("%w: query %d belongs to another requester", faults.ErrUnauthorized, queryID)
	}
	result.IsDecrypted = true
	return nil
}

func copyResult(r *messages.QueryResult) *messages.QueryResult {
	out := *r
	out.ConsideredIDs = make([]uint64, len(r.ConsideredIDs))
	copy(out.ConsideredIDs, r.ConsideredIDs)
	return &out
}
