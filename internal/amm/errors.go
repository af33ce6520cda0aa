package amm

import "errors"

var (
	ErrZeroAmount            = errors.New("amm: zero amount")
	ErrZeroOutput            = errors.New("amm: trade too small to produce output")
	ErrPoolEmpty             = errors.New("amm: pool empty")
	ErrSlippageExceeded      = errors.New("amm: slippage exceeded")
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	ErrImbalancedDeposit     = errors.New("amm: imbalanced deposit")
	ErrLowLiquidity          = errors.New("amm: remaining liquidity below minimum")
	ErrInvariantViolated     = errors.New("amm: k invariant violated")
	ErrInvalidFee            = errors.New("amm: invalid fee configuration")
	ErrOverflow              = errors.New("amm: overflow")
)
