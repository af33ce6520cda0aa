package amm

import (
	"fmt"

	"github.com/alanyoungcy/condamm/internal/oracle"
)

// Snapshot is the persisted form of a Pool.
type Snapshot struct {
	Config             Config       `json:"config"`
	AssetReserve       uint64       `json:"asset_reserve,string"`
	StableReserve      uint64       `json:"stable_reserve,string"`
	LPSupply           uint64       `json:"lp_supply,string"`
	LockedShares       uint64       `json:"locked_shares,string"`
	ProtocolFeesAsset  uint64       `json:"protocol_fees_asset,string"`
	ProtocolFeesStable uint64       `json:"protocol_fees_stable,string"`
	Oracle             oracle.State `json:"oracle"`
}

func (p *Pool) Snapshot() Snapshot {
	return Snapshot{
		Config:             p.cfg,
		AssetReserve:       p.assetReserve,
		StableReserve:      p.stableReserve,
		LPSupply:           p.lpSupply,
		LockedShares:       p.lockedShares,
		ProtocolFeesAsset:  p.protocolFeesAsset,
		ProtocolFeesStable: p.protocolFeesStable,
		Oracle:             p.oracle.Snapshot(),
	}
}

// FromSnapshot rebuilds a pool, rejecting snapshots that violate the pool's
// structural invariants.
func FromSnapshot(s Snapshot) (*Pool, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	if (s.AssetReserve == 0) != (s.StableReserve == 0) {
		return nil, fmt.Errorf("amm: snapshot: one-sided reserves (%d, %d)", s.AssetReserve, s.StableReserve)
	}
	if s.LockedShares > s.LPSupply {
		return nil, fmt.Errorf("amm: snapshot: locked shares %d exceed supply %d", s.LockedShares, s.LPSupply)
	}
	orc, err := oracle.Restore(s.Oracle)
	if err != nil {
		return nil, fmt.Errorf("amm: snapshot: %w", err)
	}
	return &Pool{
		cfg:                s.Config,
		assetReserve:       s.AssetReserve,
		stableReserve:      s.StableReserve,
		lpSupply:           s.LPSupply,
		lockedShares:       s.LockedShares,
		protocolFeesAsset:  s.ProtocolFeesAsset,
		protocolFeesStable: s.ProtocolFeesStable,
		oracle:             *orc,
	}, nil
}
