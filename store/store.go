// Package store owns the durable mapping from record id to an encrypted
// health record plus its plaintext metadata. Records are append-only modulo
// soft-delete: revocation flips the active flag one way and retains the
// encrypted data, so previously authorized principals can still inspect it
// while future scans exclude it.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"cipherhealth/algebra"
	"cipherhealth/faults"
	"cipherhealth/settings"
	"cipherhealth/utils"
)

var bucketRecords = []byte("records")

// EncryptedFields is the fixed tuple of encrypted integers a record carries.
type EncryptedFields struct {
	Age       algebra.Ciphertext
	Diagnosis algebra.Ciphertext
	Outcome   algebra.Ciphertext
	Biomarker algebra.Ciphertext
}

type Record struct {
	ID          uint64
	Owner       algebra.Principal
	Fields      EncryptedFields
	SubmittedAt time.Time
	Active      bool
}

// envelope is the persisted form of a record. Ciphertexts travel as the
// backend's serialized bytes; the in-memory handles are rebuilt on load.
type envelope struct {
	ID          uint64    `json:"id"`
	Owner       string    `json:"owner"`
	Age         []byte    `json:"age"`
	Diagnosis   []byte    `json:"diagnosis"`
	Outcome     []byte    `json:"outcome"`
	Biomarker   []byte    `json:"biomarker"`
	SubmittedAt time.Time `json:"submitted_at"`
	Active      bool      `json:"active"`
}

type Store struct {
	mu      sync.RWMutex
	alg     algebra.Algebra
	db      *bbolt.DB
	records map[uint64]*Record
	order   []uint64
	byOwner map[algebra.Principal][]uint64
	nextID  uint64
}

// NewMemStore builds a memory-only store, with no durability.
func NewMemStore(alg algebra.Algebra) *Store {
	return &Store{
		alg:     alg,
		records: make(map[uint64]*Record),
		byOwner: make(map[algebra.Principal][]uint64),
	}
}

// Open builds a store backed by the bbolt file at path and reloads any
// persisted records into the in-memory indexes.
func Open(path string, alg algebra.Algebra) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	S := NewMemStore(alg)
	S.db = db
	if err := S.load(); err != nil {
		db.Close()
		return nil, err
	}
	utils.Logger.WithFields(logrus.Fields{"service": "store", "path": path, "records": len(S.records)}).Info("Record store opened")
	return S, nil
}

func (S *Store) Close() error {
	if S.db == nil {
		return nil
	}
	return S.db.Close()
}

func (S *Store) load() error {
	var envs []envelope
	err := S.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e envelope
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			envs = append(envs, e)
			return nil
		})
	})
	if err != nil {
		return err
	}
	records := make([]*Record, len(envs))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := range envs {
		i := i
		g.Go(func() error {
			rec, err := S.decode(&envs[i])
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	for _, rec := range records {
		S.records[rec.ID] = rec
		S.order = append(S.order, rec.ID)
		S.byOwner[rec.Owner] = append(S.byOwner[rec.Owner], rec.ID)
		if rec.ID >= S.nextID {
			S.nextID = rec.ID + 1
		}
	}
	return nil
}

func (S *Store) decode(e *envelope) (*Record, error) {
	age, err := S.alg.Unmarshal(e.Age, settings.AgeWidth)
	if err != nil {
		return nil, err
	}
	diag, err := S.alg.Unmarshal(e.Diagnosis, settings.DiagnosisWidth)
	if err != nil {
		return nil, err
	}
	outcome, err := S.alg.Unmarshal(e.Outcome, settings.OutcomeWidth)
	if err != nil {
		return nil, err
	}
	biomarker, err := S.alg.Unmarshal(e.Biomarker, settings.BiomarkerWidth)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          e.ID,
		Owner:       algebra.Principal(e.Owner),
		Fields:      EncryptedFields{Age: age, Diagnosis: diag, Outcome: outcome, Biomarker: biomarker},
		SubmittedAt: e.SubmittedAt,
		Active:      e.Active,
	}, nil
}

func (S *Store) persist(rec *Record) error {
	if S.db == nil {
		return nil
	}
	age, err := S.alg.Marshal(rec.Fields.Age)
	if err != nil {
		return err
	}
	diag, err := S.alg.Marshal(rec.Fields.Diagnosis)
	if err != nil {
		return err
	}
	outcome, err := S.alg.Marshal(rec.Fields.Outcome)
	if err != nil {
		return err
	}
	biomarker, err := S.alg.Marshal(rec.Fields.Biomarker)
	if err != nil {
		return err
	}
	e := envelope{
		ID:          rec.ID,
		Owner:       string(rec.Owner),
		Age:         age,
		Diagnosis:   diag,
		Outcome:     outcome,
		Biomarker:   biomarker,
		SubmittedAt: rec.SubmittedAt,
		Active:      rec.Active,
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, rec.ID)
	return S.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRecords)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Append stores a new active record and returns its id. Ids are assigned
// monotonically in insertion order.
func (S *Store) Append(owner algebra.Principal, fields EncryptedFields) (uint64, error) {
	S.mu.Lock()
	defer S.mu.Unlock()
	rec := &Record{
		ID:          S.nextID,
		Owner:       owner,
		Fields:      fields,
		SubmittedAt: time.Now().UTC(),
		Active:      true,
	}
	if err := S.persist(rec); err != nil {
		return 0, err
	}
	S.nextID++
	S.records[rec.ID] = rec
	S.order = append(S.order, rec.ID)
	S.byOwner[owner] = append(S.byOwner[owner], rec.ID)
	utils.Logger.WithFields(logrus.Fields{"service": "store", "id": rec.ID, "owner": owner}).Info("Record appended")
	return rec.ID, nil
}

// Revoke flips a record's active flag to false, permanently excluding it
// from future scans. Only the owner may revoke, and only once.
func (S *Store) Revoke(id uint64, caller algebra.Principal) error {
	S.mu.Lock()
	defer S.mu.Unlock()
	rec, ok := S.records[id]
	if !ok {
		return fmt.Errorf("%w: record %d", faults.ErrNotFound, id)
	}
	if rec.Owner != caller {
		return fmt.Errorf("%w: %s does not own record %d", faults.ErrUnauthorized, caller, id)
	}
	if !rec.Active {
		return fmt.Errorf("%w: record %d", faults.ErrAlreadyRevoked, id)
	}
	rec.Active = false
	if err := S.persist(rec); err != nil {
		rec.Active = true
		return err
	}
	utils.Logger.WithFields(logrus.Fields{"service": "store", "id": id, "owner": caller}).Info("Record revoked")
	return nil
}

// ListByOwner returns the ids submitted by owner, in insertion order.
func (S *Store) ListByOwner(owner algebra.Principal) []uint64 {
	S.mu.RLock()
	defer S.mu.RUnlock()
	ids := make([]uint64, len(S.byOwner[owner]))
	copy(ids, S.byOwner[owner])
	return ids
}

// SnapshotActive returns a point-in-time copy of all active records in
// ascending id order. Revocations that land after the snapshot is taken are
// not observed by scans over it.
func (S *Store) SnapshotActive() []Record {
	S.mu.RLock()
	defer S.mu.RUnlock()
	snapshot := make([]Record, 0, len(S.order))
	for _, id := range S.order {
		rec := S.records[id]
		if rec.Active {
			snapshot = append(snapshot, *rec)
		}
	}
	return snapshot
}

// OwnerOf resolves a record id to its owner.
func (S *Store) OwnerOf(id uint64) (algebra.Principal, error) {
	S.mu.RLock()
	defer S.mu.RUnlock()
	rec, ok := S.records[id]
	if !ok {
		return "", fmt.Errorf("%w: record %d", faults.ErrNotFound, id)
	}
	return rec.Owner, nil
}
