package token

import "errors"

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount (must be > 0)")
	ErrZeroAddress           = errors.New("zero address")
	ErrNotMinter             = errors.New("caller is not the minter")
	ErrUnknownToken          = errors.New("unknown token")
)
