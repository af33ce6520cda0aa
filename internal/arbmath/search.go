package arbmath

import "github.com/holiman/uint256"

// Eval is one evaluation of a profit function. Profit is Revenue-Cost and
// may be negative. Infeasible evaluations (a swap producing nothing, a
// reserve overflow) compare below every feasible one.
type Eval struct {
	Revenue  uint64
	Cost     uint64
	Feasible bool
}

func infeasible() Eval { return Eval{} }

// Profit returns the positive part of Revenue-Cost.
func (e Eval) Profit() uint64 {
	if !e.Feasible || e.Revenue <= e.Cost {
		return 0
	}
	return e.Revenue - e.Cost
}

// Less reports whether e is strictly worse than o. Comparing
// r1-c1 < r2-c2 as r1+c2 < r2+c1 keeps it exact and sign-free.
func (e Eval) Less(o Eval) bool {
	if !o.Feasible {
		return false
	}
	if !e.Feasible {
		return true
	}
	lhs := new(uint256.Int).Add(uint256.NewInt(e.Revenue), uint256.NewInt(o.Cost))
	rhs := new(uint256.Int).Add(uint256.NewInt(o.Revenue), uint256.NewInt(e.Cost))
	return lhs.Lt(rhs)
}

// ProfitFunc evaluates a route at a given stable input.
type ProfitFunc func(amount uint64) Eval

// searchThreshold is the interval width below which the search falls back to
// a linear scan.
const searchThreshold = 3

// TernarySearch maximises a unimodal f over [lo, hi]. It narrows the interval
// by thirds until it is at most searchThreshold wide, then scans what is left
// together with both original endpoints. On ties the smaller amount wins.
func TernarySearch(lo, hi uint64, f ProfitFunc) (uint64, Eval) {
	if lo > hi {
		return 0, infeasible()
	}
	origLo, origHi := lo, hi
	for hi-lo > searchThreshold {
		third := (hi - lo) / 3
		m1, m2 := lo+third, hi-third
		if f(m1).Less(f(m2)) {
			lo = m1 + 1
		} else {
			hi = m2
		}
	}

	bestAmt, best := origLo, f(origLo)
	try := func(x uint64) {
		if e := f(x); best.Less(e) || (!best.Less(e) && !e.Less(best) && x < bestAmt) {
			bestAmt, best = x, e
		}
	}
	for x := lo; x <= hi; x++ {
		try(x)
		if x == hi {
			break
		}
	}
	try(origHi)
	return bestAmt, best
}
