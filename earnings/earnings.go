// Package earnings keeps the payment bookkeeping: each query's payment is
// split between the owners of the records it considered and the platform.
// Plain ledger arithmetic, no ciphertexts involved.
package earnings

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"cipherhealth/algebra"
	"cipherhealth/faults"
	"cipherhealth/utils"
)

type Ledger struct {
	mu       sync.Mutex
	balances map[algebra.Principal]uint64
	platform algebra.Principal
	shareBps uint64
}

// NewLedger builds a ledger crediting the platform principal with everything
// not owed to record owners. shareBps is the owners' share in basis points.
func NewLedger(platform algebra.Principal, shareBps uint64) *Ledger {
	if shareBps > 10000 {
		shareBps = 10000
	}
	return &Ledger{
		balances: make(map[algebra.Principal]uint64),
		platform: platform,
		shareBps: shareBps,
	}
}

// Distribute splits amount between the unique owners in the list and the
// platform. The owner pool is amount*shareBps/10000, divided equally with
// floor division; the integer remainder joins the platform share. With no
// owners the full amount goes to the platform.
func (L *Ledger) Distribute(owners []algebra.Principal, payer algebra.Principal, amount uint64) {
	unique := make([]algebra.Principal, 0, len(owners))
	seen := make(map[algebra.Principal]struct{}, len(owners))
	for _, o := range owners {
		if _, ok := seen[o]; !ok {
			seen[o] = struct{}{}
			unique = append(unique, o)
		}
	}

	L.mu.Lock()
	defer L.mu.Unlock()
	if len(unique) == 0 {
		L.balances[L.platform] += amount
		utils.Logger.WithFields(logrus.Fields{"service": "earnings", "payer": payer, "amount": amount}).Info("No contributing owners, full amount to platform")
		return
	}
	// quotient/remainder split keeps amount*shareBps out of uint64 overflow
	// territory while computing the same floor(amount*shareBps/10000)
	pool := amount/10000*L.shareBps + amount%10000*L.shareBps/10000
	perOwner := pool / uint64(len(unique))
	for _, o := range unique {
		L.balances[o] += perOwner
	}
	L.balances[L.platform] += amount - perOwner*uint64(len(unique))
	utils.Logger.WithFields(logrus.Fields{
		"service":  "earnings",
		"payer":    payer,
		"amount":   amount,
		"owners":   len(unique),
		"perOwner": perOwner,
	}).Info("Payment distributed")
}

func (L *Ledger) Balance(p algebra.Principal) uint64 {
	L.mu.Lock()
	defer L.mu.Unlock()
	return L.balances[p]
}

// Withdraw debits p's balance. The transfer itself happens outside this core.
func (L *Ledger) Withdraw(p algebra.Principal, amount uint64) error {
	L.mu.Lock()
	defer L.mu.Unlock()
	if L.balances[p] < amount {
		return fmt.Errorf("%w: %s has %d, requested %d", faults.ErrInsufficientFunds, p, L.balances[p], amount)
	}
	L.balances[p] -= amount
	return nil
}
