// Package engine evaluates aggregate queries over encrypted health records.
//
// The engine scans every record of the active snapshot unconditionally: the
// encrypted match bit of a record cannot gate plaintext control flow without
// leaking which records matched, so each record's contribution is computed
// and folded through an encrypted select instead of being skipped. Per-query
// cost is therefore linear in the active set regardless of selectivity; the
// caller bounds it with the configured scan cap. For the same reason the
// engine cannot reject a query on any condition that depends on encrypted
// data (e.g. "no records matched") - such checks can be computed
// homomorphically but are informational only until an authorized decryption
// surfaces them.
package engine

import (
	"context"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"cipherhealth/algebra"
	"cipherhealth/settings"
	"cipherhealth/store"
	"cipherhealth/utils"
)

// Aggregate is the outcome of one evaluation. Sum and Count are only
// meaningful together: callers decrypt both independently and divide
// client-side, since encrypted division by a runtime-variable divisor is not
// available in the algebra.
type Aggregate struct {
	Sum           algebra.Ciphertext
	Count         algebra.Ciphertext
	ConsideredIDs []uint64
}

type Engine struct {
	alg     algebra.Algebra
	workers int
}

func New(alg algebra.Algebra) *Engine {
	return &Engine{alg: alg, workers: runtime.NumCPU()}
}

// WithWorkers overrides the scan parallelism. Mostly for tests.
func (E *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		E.workers = n
	}
	return E
}

// include evaluates the predicate's comparison clauses for one record and
// folds them with encrypted AND into a single encrypted match bit.
func (E *Engine) include(pred Predicate, rec *store.Record) (algebra.EncBool, error) {
	switch pred.Kind {
	case RangeEquality:
		ge, err := E.alg.CmpGE(rec.Fields.Age, pred.MinAge)
		if err != nil {
			return algebra.EncBool{}, err
		}
		le, err := E.alg.CmpLE(rec.Fields.Age, pred.MaxAge)
		if err != nil {
			return algebra.EncBool{}, err
		}
		eq, err := E.alg.CmpEQ(rec.Fields.Diagnosis, pred.Diagnosis)
		if err != nil {
			return algebra.EncBool{}, err
		}
		inRange, err := E.alg.And(ge, le)
		if err != nil {
			return algebra.EncBool{}, err
		}
		return E.alg.And(inRange, eq)
	default: // EqualityThreshold, Validate has run already
		eq, err := E.alg.CmpEQ(rec.Fields.Diagnosis, pred.Diagnosis)
		if err != nil {
			return algebra.EncBool{}, err
		}
		ge, err := E.alg.CmpGE(rec.Fields.Outcome, pred.MinOutcome)
		if err != nil {
			return algebra.EncBool{}, err
		}
		return E.alg.And(eq, ge)
	}
}

// partial is one worker's running accumulators.
type partial struct {
	sum   algebra.Ciphertext
	count algebra.Ciphertext
}

func (E *Engine) newPartial() (partial, error) {
	sum, err := E.alg.EncryptZero(settings.SumWidth)
	if err != nil {
		return partial{}, err
	}
	count, err := E.alg.EncryptZero(settings.CountWidth)
	if err != nil {
		return partial{}, err
	}
	return partial{sum: sum, count: count}, nil
}

// fold computes one record's contribution and accumulates it into p.
// contribution = include ? biomarker : 0 for the sum, include itself for
// the count.
func (E *Engine) fold(p *partial, pred Predicate, rec *store.Record) error {
	inc, err := E.include(pred, rec)
	if err != nil {
		return err
	}
	if pred.Kind == RangeEquality {
		zero, err := E.alg.EncryptZero(settings.BiomarkerWidth)
		if err != nil {
			return err
		}
		contribution, err := E.alg.Select(inc, rec.Fields.Biomarker, zero)
		if err != nil {
			return err
		}
		if p.sum, err = E.alg.Add(p.sum, contribution); err != nil {
			return err
		}
	}
	if p.count, err = E.alg.AddBool(p.count, inc); err != nil {
		return err
	}
	return nil
}

// Evaluate runs the predicate over the full snapshot and returns the
// encrypted accumulators plus the plaintext list of considered record ids.
// Every active record is considered, regardless of match: match status is
// encrypted and not observable here. The snapshot must be id-ascending, as
// SnapshotActive produces it. No decryption occurs at any point.
func (E *Engine) Evaluate(pred Predicate, snapshot []store.Record) (*Aggregate, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	consideredIDs := make([]uint64, len(snapshot))
	for i := range snapshot {
		consideredIDs[i] = snapshot[i].ID
	}

	workers := utils.Min(E.workers, utils.Max(len(snapshot), 1))
	taskCh := make(chan *store.Record, workers)
	partialCh := make(chan partial, workers)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer close(taskCh)
		for i := range snapshot {
			select {
			case taskCh <- &snapshot[i]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			p, err := E.newPartial()
			if err != nil {
				return err
			}
			for rec := range taskCh {
				if err := E.fold(&p, pred, rec); err != nil {
					return err
				}
			}
			partialCh <- p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(partialCh)

	// Encrypted addition commutes, so folding worker partials in arrival
	// order yields the same accumulators as a sequential scan.
	agg, err := E.newPartial()
	if err != nil {
		return nil, err
	}
	for p := range partialCh {
		if agg.sum, err = E.alg.Add(agg.sum, p.sum); err != nil {
			return nil, err
		}
		if agg.count, err = E.alg.Add(agg.count, p.count); err != nil {
			return nil, err
		}
	}

	utils.Logger.WithFields(logrus.Fields{
		"service":    "engine",
		"kind":       pred.Kind,
		"considered": len(consideredIDs),
		"time":       time.Since(start),
	}).Info("Query evaluated")
	return &Aggregate{Sum: agg.sum, Count: agg.count, ConsideredIDs: consideredIDs}, nil
}
