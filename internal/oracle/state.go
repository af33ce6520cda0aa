package oracle

import (
	"fmt"

	"github.com/holiman/uint256"
)

// State is the serialisable form of an Oracle. Wide values are decimal
// strings.
type State struct {
	Config        Config `json:"config"`
	Cumulative    string `json:"cumulative"`
	WindowStartMs uint64 `json:"window_start_ms"`
	TWAP          string `json:"twap"`
	LastPrice     string `json:"last_price"`
	LastUpdateMs  uint64 `json:"last_update_ms"`
}

// Snapshot captures the full oracle state.
func (o *Oracle) Snapshot() State {
	return State{
		Config:        o.cfg,
		Cumulative:    o.cumulative.Dec(),
		WindowStartMs: o.windowStart,
		TWAP:          o.twap.Dec(),
		LastPrice:     o.lastPrice.Dec(),
		LastUpdateMs:  o.lastUpdate,
	}
}

// Restore rebuilds an Oracle from a snapshot.
func Restore(s State) (*Oracle, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	if s.WindowStartMs > s.LastUpdateMs {
		return nil, fmt.Errorf("oracle: restore: window start %d after last update %d", s.WindowStartMs, s.LastUpdateMs)
	}
	o := &Oracle{cfg: s.Config, windowStart: s.WindowStartMs, lastUpdate: s.LastUpdateMs}
	for _, f := range []struct {
		name string
		src  string
		dst  *uint256.Int
	}{
		{"cumulative", s.Cumulative, &o.cumulative},
		{"twap", s.TWAP, &o.twap},
		{"last_price", s.LastPrice, &o.lastPrice},
	} {
		v, err := uint256.FromDecimal(f.src)
		if err != nil {
			return nil, fmt.Errorf("oracle: restore %s: %w", f.name, err)
		}
		f.dst.Set(v)
	}
	if o.twap.IsZero() || o.lastPrice.IsZero() {
		return nil, ErrZeroPrice
	}
	return o, nil
}
