package amm

import (
	"fmt"

	"github.com/alanyoungcy/condamm/internal/oracle"
)

const (
	bpsDenominator uint64 = 10_000

	// MinimumLockedShares are minted to nobody on the first deposit and can
	// never be redeemed.
	MinimumLockedShares uint64 = 1_000

	// MinimumK is the smallest k a pool may be left with after a removal.
	MinimumK uint64 = MinimumLockedShares * MinimumLockedShares
)

// Config is fixed at pool creation.
type Config struct {
	FeeBps                uint64        `json:"fee_bps" toml:"fee_bps"`
	LPFeeShareBps         uint64        `json:"lp_fee_share_bps" toml:"lp_fee_share_bps"`
	MaxFeeBps             uint64        `json:"max_fee_bps" toml:"max_fee_bps"`
	ImbalanceToleranceBps uint64        `json:"imbalance_tolerance_bps" toml:"imbalance_tolerance_bps"`
	Oracle                oracle.Config `json:"oracle" toml:"oracle"`
}

// DefaultConfig returns a 30 bps pool that keeps 80% of fees for LPs and
// rejects deposits more than 1% off the pool ratio.
func DefaultConfig() Config {
	return Config{
		FeeBps:                30,
		LPFeeShareBps:         8_000,
		MaxFeeBps:             1_000,
		ImbalanceToleranceBps: 100,
		Oracle:                oracle.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.MaxFeeBps >= bpsDenominator {
		return fmt.Errorf("%w: max_fee_bps %d must be below %d", ErrInvalidFee, c.MaxFeeBps, bpsDenominator)
	}
	if c.FeeBps > c.MaxFeeBps {
		return fmt.Errorf("%w: fee_bps %d exceeds max %d", ErrInvalidFee, c.FeeBps, c.MaxFeeBps)
	}
	if c.LPFeeShareBps > bpsDenominator {
		return fmt.Errorf("%w: lp_fee_share_bps %d exceeds %d", ErrInvalidFee, c.LPFeeShareBps, bpsDenominator)
	}
	if c.ImbalanceToleranceBps > bpsDenominator {
		return fmt.Errorf("amm: imbalance_tolerance_bps %d exceeds %d", c.ImbalanceToleranceBps, bpsDenominator)
	}
	return c.Oracle.Validate()
}
