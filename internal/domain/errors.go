package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
	ErrVersionConflict = errors.New("version conflict")
	ErrMarketClosed    = errors.New("market closed")
	ErrNoRoute         = errors.New("no profitable route")
	ErrBelowMinProfit  = errors.New("profit below minimum")
	ErrDuplicate       = errors.New("duplicate request")
	ErrInvalidInput    = errors.New("invalid input")
)
