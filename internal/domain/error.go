package domain

import "errors"

var (
	// Input validation
	ErrZeroAmount       = errors.New("amount is zero")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidFrequency = errors.New("billing frequency below minimum")
	ErrInvalidFeeRate   = errors.New("fee rate exceeds maximum")
	ErrMaxAmountInvalid = errors.New("max amount lower than last payment")

	// State / timing
	ErrPaymentNotDueYet               = errors.New("payment not due yet")
	ErrCannotCancelActiveSubscription = errors.New("cannot cancel subscription inside an open payment window")
	ErrSubscriptionLocked             = errors.New("subscription is being processed by another worker")

	// Integrity
	ErrInvalidSubscriptionParameters = errors.New("subscription parameters do not match commitment")

	// Capacity
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrMaxAmountExceeded     = errors.New("amount exceeds maximum")

	// Arithmetic
	ErrArithmeticOverflow = errors.New("arithmetic overflow")

	// Authorization (surfaced by the identity collaborator as a precondition)
	ErrUnauthorized = errors.New("unauthorized")

	// Custody layer
	ErrInsufficientFunds = errors.New("insufficient funds")

	// Common repository conditions
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrOperationFailed    = errors.New("storage operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)
