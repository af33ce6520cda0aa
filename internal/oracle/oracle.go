// Package oracle implements a windowed, percentage-capped time-weighted
// average price tracker.
//
// Raw prices are integrated over time into an accumulator. When one or more
// windows have completed, the average over the completed span is compared to
// the published TWAP and the TWAP moves toward it by at most MaxMovementPPM of
// its current value. However many windows elapsed between two updates, an
// update takes at most one capped step, and does so in constant time.
package oracle

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/condamm/internal/fixedpoint"
)

// PriceScale is the fixed-point scale of all prices: stable units per asset
// unit multiplied by 1e12.
const PriceScale uint64 = 1_000_000_000_000

const ppmDenominator uint64 = 1_000_000

var (
	ErrZeroPrice       = errors.New("oracle: zero price")
	ErrClockRegression = errors.New("oracle: timestamp before last update")
	ErrInvalidConfig   = errors.New("oracle: invalid config")
)

// Config holds the oracle policy parameters.
type Config struct {
	WindowSizeMs   uint64 `json:"window_size_ms" toml:"window_size_ms"`
	MaxMovementPPM uint64 `json:"max_movement_ppm" toml:"max_movement_ppm"`
}

// DefaultConfig returns a 60 second window with a 1% cap per window.
func DefaultConfig() Config {
	return Config{
		WindowSizeMs:   60_000,
		MaxMovementPPM: 10_000,
	}
}

// Validate reports whether the config can drive an oracle.
func (c Config) Validate() error {
	if c.WindowSizeMs == 0 {
		return fmt.Errorf("%w: window_size_ms must be positive", ErrInvalidConfig)
	}
	if c.MaxMovementPPM == 0 || c.MaxMovementPPM > ppmDenominator {
		return fmt.Errorf("%w: max_movement_ppm must be in (0, %d]", ErrInvalidConfig, ppmDenominator)
	}
	return nil
}

// Oracle is the TWAP state for one pool. It holds only values, so assigning
// an Oracle produces an independent copy.
type Oracle struct {
	cfg Config

	cumulative  uint256.Int // price*ms accumulated since windowStart
	windowStart uint64

	twap       uint256.Int
	lastPrice  uint256.Int
	lastUpdate uint64
}

// New creates an oracle whose TWAP and last price both start at initialPrice.
func New(cfg Config, initialPrice *uint256.Int, nowMs uint64) (*Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if initialPrice == nil || initialPrice.IsZero() {
		return nil, ErrZeroPrice
	}
	o := &Oracle{
		cfg:         cfg,
		windowStart: nowMs,
		lastUpdate:  nowMs,
	}
	o.twap.Set(initialPrice)
	o.lastPrice.Set(initialPrice)
	return o, nil
}

// Update records a raw price observation at nowMs.
//
// The previous raw price is treated as having held from the last update until
// nowMs. If that span completes at least one window, the average over all
// completed windows becomes the target for a single capped TWAP step, and the
// window is realigned to the most recent boundary.
func (o *Oracle) Update(price *uint256.Int, nowMs uint64) error {
	if price == nil || price.IsZero() {
		return ErrZeroPrice
	}
	if nowMs < o.lastUpdate {
		return fmt.Errorf("%w: %d < %d", ErrClockRegression, nowMs, o.lastUpdate)
	}
	if nowMs == o.lastUpdate {
		o.lastPrice.Set(price)
		return nil
	}

	size := o.cfg.WindowSizeMs
	fullEnd := o.windowStart + (nowMs-o.windowStart)/size*size

	if fullEnd > o.windowStart {
		closed, err := weighted(&o.lastPrice, fullEnd-o.lastUpdate)
		if err != nil {
			return fmt.Errorf("oracle: update: %w", err)
		}
		if closed, err = fixedpoint.Add(closed, &o.cumulative); err != nil {
			return fmt.Errorf("oracle: update: %w", err)
		}
		avg := new(uint256.Int).Div(closed, uint256.NewInt(fullEnd-o.windowStart))

		next, err := o.step(avg)
		if err != nil {
			return fmt.Errorf("oracle: update: %w", err)
		}
		rest, err := weighted(&o.lastPrice, nowMs-fullEnd)
		if err != nil {
			return fmt.Errorf("oracle: update: %w", err)
		}

		o.twap.Set(next)
		o.windowStart = fullEnd
		o.cumulative.Set(rest)
	} else {
		seg, err := weighted(&o.lastPrice, nowMs-o.lastUpdate)
		if err != nil {
			return fmt.Errorf("oracle: update: %w", err)
		}
		sum, err := fixedpoint.Add(&o.cumulative, seg)
		if err != nil {
			return fmt.Errorf("oracle: update: %w", err)
		}
		o.cumulative.Set(sum)
	}

	o.lastPrice.Set(price)
	o.lastUpdate = nowMs
	return nil
}

// step clamps target into [twap-cap, twap+cap].
func (o *Oracle) step(target *uint256.Int) (*uint256.Int, error) {
	limit, err := fixedpoint.MulDiv256(&o.twap, uint256.NewInt(o.cfg.MaxMovementPPM), uint256.NewInt(ppmDenominator), false)
	if err != nil {
		return nil, err
	}
	switch {
	case target.Gt(&o.twap):
		upper, err := fixedpoint.Add(&o.twap, limit)
		if err != nil {
			return nil, err
		}
		if target.Gt(upper) {
			return upper, nil
		}
	case target.Lt(&o.twap):
		lower := new(uint256.Int).Sub(&o.twap, limit)
		if target.Lt(lower) {
			return lower, nil
		}
	}
	return new(uint256.Int).Set(target), nil
}

func weighted(price *uint256.Int, ms uint64) (*uint256.Int, error) {
	return fixedpoint.Mul(price, uint256.NewInt(ms))
}

// TWAP returns the published, capped average.
func (o Oracle) TWAP() *uint256.Int { return o.twap.Clone() }

// LastPrice returns the most recent raw observation.
func (o Oracle) LastPrice() *uint256.Int { return o.lastPrice.Clone() }

func (o Oracle) LastUpdate() uint64  { return o.lastUpdate }
func (o Oracle) WindowStart() uint64 { return o.windowStart }
func (o Oracle) Config() Config      { return o.cfg }
