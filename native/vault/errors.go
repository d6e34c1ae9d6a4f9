package vault

import "errors"

// Authorization failures: the caller lacks a required capability.
var (
	ErrRewarderRequired = errors.New("vault: reward producer capability required")
	ErrBorrowerRequired = errors.New("vault: borrower capability required")
	ErrAdminRequired    = errors.New("vault: admin capability required")
)

// Precondition failures: the call is well-formed but the ledger is not in a
// state that admits it. Recovery is caller-driven.
var (
	ErrInvalidAmount         = errors.New("vault: amount must be positive")
	ErrIntakePaused          = errors.New("vault: new intake is paused")
	ErrNotWhitelisted        = errors.New("vault: caller is not whitelisted")
	ErrCatchUpRequired       = errors.New("vault: account must fully catch up on claims first")
	ErrNoPosition            = errors.New("vault: account has no position")
	ErrInsufficientBalance   = errors.New("vault: insufficient balance")
	ErrInsufficientAllowance = errors.New("vault: insufficient borrow allowance")
	ErrInsufficientLiquidity = errors.New("vault: insufficient pool liquidity")
	ErrCollateralLocked      = errors.New("vault: amount exceeds staked minus borrowed")
	ErrEmergencyDisabled     = errors.New("vault: emergency withdrawals are disabled")
)

// Invariant violations: committing would break borrowed <= staked,
// totalBorrowed <= totalStaking, or a dust-equality check. These abort the
// operation with no partial effect and signal an accounting bug when seen
// outside tests.
var (
	ErrBorrowExceedsStake       = errors.New("vault: borrowed would exceed staked")
	ErrLiquidationExceedsStake  = errors.New("vault: liquidation exceeds staked position")
	ErrPendingClaimMismatch     = errors.New("vault: pending claim dust mismatch at final settlement")
	ErrStakingAggregateMismatch = errors.New("vault: staking aggregate dust mismatch at depletion")
)

// Configuration failures and guard rejections.
var (
	ErrNilState      = errors.New("vault: state not configured")
	ErrReentrantCall = errors.New("vault: re-entrant call rejected")
)
