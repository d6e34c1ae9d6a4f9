package vault

import (
	"errors"
	"math/big"

	"stakevault/crypto"
)

// Capability names gating restricted operations. Grants are managed by the
// state manager's role registry and queried through the engine's state view.
const (
	// RoleRewarder may append reward samples to the log.
	RoleRewarder = "vault.rewarder"
	// RoleBorrower may draw liquidity against approved collateral.
	RoleBorrower = "vault.borrower"
	// RoleAdmin may flip the administrative switches and sweep pending
	// rewards in an emergency.
	RoleAdmin = "vault.admin"
)

// SentinelClaimIndex marks a record that has never claimed. The engine treats
// it as "caught up to whatever the newest index is right now": a brand-new
// account owes nothing for history that predates it.
const SentinelClaimIndex int64 = -1

// Sample is one reward-distribution epoch. Entries are immutable once
// appended and the log is never rewritten.
type Sample struct {
	// Timestamp records when the reward was injected, in unix seconds.
	Timestamp uint64
	// Reward is the amount injected for this epoch. Zero-reward checkpoints
	// are still appended because catch-up indexing counts them.
	Reward *big.Int
	// TVL snapshots totalStaking + totalPendingClaim at injection time and
	// is the denominator for every share computed against this sample.
	TVL *big.Int
}

// UserRecord is the per-account ledger entry. A record is created on first
// deposit and may be purged once both Staked and Borrowed reach zero; the
// next deposit recreates it fresh with no data loss.
type UserRecord struct {
	Address crypto.Address
	// Staked is the settled staked balance, including already-claimed
	// reward shares.
	Staked *big.Int
	// Borrowed is the amount drawn against Staked. Invariant:
	// Borrowed <= Staked after every operation.
	Borrowed *big.Int
	// LastStakeTime is the unix timestamp of the most recent stake, used
	// for the early-withdrawal fee window.
	LastStakeTime uint64
	// LastClaimIndex is the newest sample index already settled into
	// Staked. Monotonically non-decreasing, never beyond the log's newest
	// index. SentinelClaimIndex means the record has never claimed.
	LastClaimIndex int64
	// Allowances maps a spender (raw address bytes) to its remaining
	// borrow allowance against this record's stake.
	Allowances map[string]*big.Int
}

// NewUserRecord returns a zeroed record for the address. The claim cursor
// starts at the sentinel so the first catch-up fast-forwards past history.
func NewUserRecord(addr crypto.Address) *UserRecord {
	return &UserRecord{
		Address:        addr,
		Staked:         big.NewInt(0),
		Borrowed:       big.NewInt(0),
		LastClaimIndex: SentinelClaimIndex,
		Allowances:     make(map[string]*big.Int),
	}
}

// Allowance returns the remaining borrow allowance for the spender.
func (u *UserRecord) Allowance(spender crypto.Address) *big.Int {
	if u == nil || u.Allowances == nil {
		return big.NewInt(0)
	}
	if amount, ok := u.Allowances[string(spender.Bytes())]; ok && amount != nil {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

// SetAllowance stores an absolute allowance for the spender. Zero allowances
// are removed from the map so purged records stay compact.
func (u *UserRecord) SetAllowance(spender crypto.Address, amount *big.Int) {
	if u.Allowances == nil {
		u.Allowances = make(map[string]*big.Int)
	}
	if amount == nil || amount.Sign() <= 0 {
		delete(u.Allowances, string(spender.Bytes()))
		return
	}
	u.Allowances[string(spender.Bytes())] = new(big.Int).Set(amount)
}

// Dormant reports whether the record carries no stake and no debt and may be
// purged from state.
func (u *UserRecord) Dormant() bool {
	return u.Staked.Sign() == 0 && u.Borrowed.Sign() == 0
}

// PoolState aggregates the cross-user counters and the administrative
// switches. Every mutation to an aggregate pairs with the corresponding
// per-user mutation inside the same operation.
type PoolState struct {
	// TotalStaking is the sum of all settled staked balances.
	TotalStaking *big.Int
	// TotalPendingClaim is reward injected but not yet claimed into any
	// staked balance.
	TotalPendingClaim *big.Int
	// TotalBorrowed is the sum of all borrowed amounts. Invariant:
	// TotalBorrowed <= TotalStaking.
	TotalBorrowed *big.Int
	// PausedIntake halts deposits and new borrowing.
	PausedIntake bool
	// RequireWhitelist gates deposits on whitelist membership.
	RequireWhitelist bool
	// EmergencyEnabled permits the emergency withdrawal path.
	EmergencyEnabled bool
}

// NewPoolState returns an empty pool.
func NewPoolState() *PoolState {
	return &PoolState{
		TotalStaking:      big.NewInt(0),
		TotalPendingClaim: big.NewInt(0),
		TotalBorrowed:     big.NewInt(0),
	}
}

// TVL is the pool's total value locked: settled stake plus undistributed
// reward. It is the denominator snapshot recorded by the next sample.
func (p *PoolState) TVL() *big.Int {
	return new(big.Int).Add(p.TotalStaking, p.TotalPendingClaim)
}

// Balance is the read-only composite view exposed to external collaborators.
type Balance struct {
	// StakedPlusClaimable is the settled stake plus everything a full
	// catch-up would settle right now. Voting power equals this figure.
	StakedPlusClaimable *big.Int
	// Withdrawable is staked minus borrowed (claimable excluded until
	// settled).
	Withdrawable *big.Int
	// Borrowed is the outstanding debt.
	Borrowed *big.Int
}

// Params groups the governance-controlled knobs of the vault.
type Params struct {
	// WithdrawFeeBps is the early-withdrawal fee in basis points.
	WithdrawFeeBps uint64
	// NoFeeWindowSeconds is how long after the last stake the fee applies.
	NoFeeWindowSeconds uint64
	// FeeRecipient receives early-withdrawal fees.
	FeeRecipient crypto.Address
	// BorrowClaimPageSize bounds catch-up work on the borrow, return and
	// liquidate paths, which must not block on full catch-up.
	BorrowClaimPageSize uint64
}

// Validate ensures the parameters fall within acceptable bounds.
func (p Params) Validate() error {
	if p.WithdrawFeeBps > feeDenominator {
		return errors.New("vault: withdraw fee above 100%")
	}
	if p.WithdrawFeeBps > 0 && p.NoFeeWindowSeconds > 0 && p.FeeRecipient.IsZero() {
		return errors.New("vault: fee recipient must be configured when a fee is set")
	}
	if p.BorrowClaimPageSize == 0 {
		return errors.New("vault: borrow claim page size must be positive")
	}
	return nil
}

const feeDenominator = 10_000
