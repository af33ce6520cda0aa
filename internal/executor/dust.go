package executor

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/alanyoungcy/condamm/internal/escrow"
)

// Dust tracks the per-outcome surplus left in outcome balances after a
// complete set has been withdrawn. It cannot be withdrawn until every
// outcome holds at least the same amount, so callers that arbitrage
// repeatedly pass the same accumulator back in rather than starting a new
// one each time.
type Dust struct {
	ID         uuid.UUID    `json:"id"`
	Token      escrow.Token `json:"token"`
	PerOutcome []uint64     `json:"per_outcome"`
}

// NewDust returns an empty accumulator for n outcomes.
func NewDust(token escrow.Token, n int) *Dust {
	return &Dust{ID: uuid.New(), Token: token, PerOutcome: make([]uint64, n)}
}

// Merge adds surplus into d. The token and outcome count must match.
func (d *Dust) Merge(token escrow.Token, surplus []uint64) error {
	if token != d.Token {
		return fmt.Errorf("executor: dust %s: cannot merge %s into %s", d.ID, token, d.Token)
	}
	if len(surplus) != len(d.PerOutcome) {
		return fmt.Errorf("executor: dust %s: %d outcomes, got %d", d.ID, len(d.PerOutcome), len(surplus))
	}
	next := make([]uint64, len(surplus))
	for i, s := range surplus {
		next[i] = d.PerOutcome[i] + s
		if next[i] < s {
			return fmt.Errorf("executor: dust %s: outcome %d overflow", d.ID, i)
		}
	}
	d.PerOutcome = next
	return nil
}

// CompleteSets is the amount present in every outcome, which could be burned
// back into collateral.
func (d *Dust) CompleteSets() uint64 {
	if len(d.PerOutcome) == 0 {
		return 0
	}
	m := d.PerOutcome[0]
	for _, v := range d.PerOutcome[1:] {
		m = min(m, v)
	}
	return m
}
