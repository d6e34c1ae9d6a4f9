package vault

import (
	"math/big"
	"strconv"

	"stakevault/core/types"
	"stakevault/crypto"
)

const (
	// TypeSampleAppended is emitted for every reward sample, including
	// zero-reward checkpoints.
	TypeSampleAppended = "vault.sampleAppended"
	// TypeClaimed captures a settled catch-up window.
	TypeClaimed = "vault.claimed"
	// TypeDeposited captures stake added to a record.
	TypeDeposited = "vault.deposited"
	// TypeWithdrawn captures stake released, net of any fee.
	TypeWithdrawn = "vault.withdrawn"
	// TypeTransferred captures an internal stake move between records.
	TypeTransferred = "vault.transferred"
	// TypeApproved captures an absolute borrow allowance set.
	TypeApproved = "vault.approved"
	// TypeBorrowed captures liquidity drawn against collateral.
	TypeBorrowed = "vault.borrowed"
	// TypeReturned captures a borrow repayment, including overpay.
	TypeReturned = "vault.returned"
	// TypeLiquidated captures a position write-down.
	TypeLiquidated = "vault.liquidated"
	// TypeEmergencyWithdrawn captures the emergency release path.
	TypeEmergencyWithdrawn = "vault.emergencyWithdrawn"
	// TypeRewardsSwept captures the destructive pending-reward sweep.
	TypeRewardsSwept = "vault.rewardsSwept"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatIndex(v int64) string {
	return strconv.FormatInt(v, 10)
}

// SampleAppended is emitted when the reward producer appends an epoch.
type SampleAppended struct {
	Index  uint64
	Reward *big.Int
	TVL    *big.Int
}

func (SampleAppended) EventType() string { return TypeSampleAppended }

// Event converts the payload into a broadcastable attribute map.
func (e SampleAppended) Event() *types.Event {
	return &types.Event{Type: TypeSampleAppended, Attributes: map[string]string{
		"index":  formatIndex(int64(e.Index)),
		"reward": formatAmount(e.Reward),
		"tvl":    formatAmount(e.TVL),
	}}
}

// Claimed is emitted after a catch-up settles accrued rewards into stake.
type Claimed struct {
	Account  crypto.Address
	Amount   *big.Int
	EndIndex int64
}

func (Claimed) EventType() string { return TypeClaimed }

func (e Claimed) Event() *types.Event {
	return &types.Event{Type: TypeClaimed, Attributes: map[string]string{
		"addr":     e.Account.String(),
		"amount":   formatAmount(e.Amount),
		"endIndex": formatIndex(e.EndIndex),
	}}
}

// Deposited is emitted when stake is added to a record.
type Deposited struct {
	Account crypto.Address
	Amount  *big.Int
	Staked  *big.Int
}

func (Deposited) EventType() string { return TypeDeposited }

func (e Deposited) Event() *types.Event {
	return &types.Event{Type: TypeDeposited, Attributes: map[string]string{
		"addr":   e.Account.String(),
		"amount": formatAmount(e.Amount),
		"staked": formatAmount(e.Staked),
	}}
}

// Withdrawn is emitted when stake leaves the pool. Fee is zero outside the
// fee window.
type Withdrawn struct {
	Account     crypto.Address
	Amount      *big.Int
	Fee         *big.Int
	Transferred *big.Int
	Forced      bool
}

func (Withdrawn) EventType() string { return TypeWithdrawn }

func (e Withdrawn) Event() *types.Event {
	attrs := map[string]string{
		"addr":        e.Account.String(),
		"amount":      formatAmount(e.Amount),
		"fee":         formatAmount(e.Fee),
		"transferred": formatAmount(e.Transferred),
	}
	if e.Forced {
		attrs["forced"] = "true"
	}
	return &types.Event{Type: TypeWithdrawn, Attributes: attrs}
}

// Transferred is emitted when stake moves between two records without any
// asset leaving the pool.
type Transferred struct {
	From   crypto.Address
	To     crypto.Address
	Amount *big.Int
}

func (Transferred) EventType() string { return TypeTransferred }

func (e Transferred) Event() *types.Event {
	return &types.Event{Type: TypeTransferred, Attributes: map[string]string{
		"from":   e.From.String(),
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}}
}

// Approved is emitted when an owner sets a spender's borrow allowance.
type Approved struct {
	Owner   crypto.Address
	Spender crypto.Address
	Amount  *big.Int
}

func (Approved) EventType() string { return TypeApproved }

func (e Approved) Event() *types.Event {
	return &types.Event{Type: TypeApproved, Attributes: map[string]string{
		"owner":   e.Owner.String(),
		"spender": e.Spender.String(),
		"amount":  formatAmount(e.Amount),
	}}
}

// Borrowed is emitted when a spender draws liquidity against a record.
type Borrowed struct {
	Account  crypto.Address
	Spender  crypto.Address
	Amount   *big.Int
	Borrowed *big.Int
}

func (Borrowed) EventType() string { return TypeBorrowed }

func (e Borrowed) Event() *types.Event {
	return &types.Event{Type: TypeBorrowed, Attributes: map[string]string{
		"addr":     e.Account.String(),
		"spender":  e.Spender.String(),
		"amount":   formatAmount(e.Amount),
		"borrowed": formatAmount(e.Borrowed),
	}}
}

// Returned is emitted when borrowed liquidity comes back. Overpay is the
// portion attributed to new stake rather than debt.
type Returned struct {
	Account crypto.Address
	Spender crypto.Address
	Amount  *big.Int
	Repaid  *big.Int
	Overpay *big.Int
}

func (Returned) EventType() string { return TypeReturned }

func (e Returned) Event() *types.Event {
	return &types.Event{Type: TypeReturned, Attributes: map[string]string{
		"addr":    e.Account.String(),
		"spender": e.Spender.String(),
		"amount":  formatAmount(e.Amount),
		"repaid":  formatAmount(e.Repaid),
		"overpay": formatAmount(e.Overpay),
	}}
}

// Liquidated is emitted when a position is written down. Shortfall is the
// loss taken from stake beyond the nominal debt.
type Liquidated struct {
	Account   crypto.Address
	Spender   crypto.Address
	Amount    *big.Int
	Shortfall *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidated }

func (e Liquidated) Event() *types.Event {
	return &types.Event{Type: TypeLiquidated, Attributes: map[string]string{
		"addr":      e.Account.String(),
		"spender":   e.Spender.String(),
		"amount":    formatAmount(e.Amount),
		"shortfall": formatAmount(e.Shortfall),
	}}
}

// EmergencyWithdrawn is emitted when the emergency path releases a position.
type EmergencyWithdrawn struct {
	Account  crypto.Address
	Released *big.Int
}

func (EmergencyWithdrawn) EventType() string { return TypeEmergencyWithdrawn }

func (e EmergencyWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeEmergencyWithdrawn, Attributes: map[string]string{
		"addr":     e.Account.String(),
		"released": formatAmount(e.Released),
	}}
}

// RewardsSwept is emitted by the destructive pending-reward sweep.
type RewardsSwept struct {
	Recipient crypto.Address
	Amount    *big.Int
}

func (RewardsSwept) EventType() string { return TypeRewardsSwept }

func (e RewardsSwept) Event() *types.Event {
	return &types.Event{Type: TypeRewardsSwept, Attributes: map[string]string{
		"recipient": e.Recipient.String(),
		"amount":    formatAmount(e.Amount),
	}}
}
