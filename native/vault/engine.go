package vault

import (
	"math"
	"math/big"
	"time"

	"stakevault/core/events"
	"stakevault/core/types"
	"stakevault/crypto"
	nativecommon "stakevault/native/common"
	"stakevault/observability/metrics"
)

const moduleName = "vault"

// engineState is the persistence boundary for the vault. Implementations must
// return deep copies from the getters so in-memory mutations never leak into
// state before the operation commits them back.
type engineState interface {
	SampleSource
	AppendSample(sample *Sample) error

	Pool() (*PoolState, error)
	PutPool(pool *PoolState) error

	User(addr crypto.Address) (*UserRecord, error)
	PutUser(user *UserRecord) error
	DeleteUser(addr crypto.Address) error

	Account(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error

	HasRole(role string, addr crypto.Address) bool
	IsWhitelisted(addr crypto.Address) (bool, error)
	SetWhitelisted(addr crypto.Address, allowed bool) error
}

// TickSource lets an upstream reward holder advance its own accrual before
// the ledger reads pool state. Operations tolerate a nil source and do not
// care whether the tick fired.
type TickSource interface {
	NewTick()
}

// TransferHook observes outbound asset transfers. Control transiently leaves
// the ledger's bookkeeping here, which is exactly the window the re-entrancy
// guard protects: a nested call into any guarded entry point from inside the
// hook is rejected.
type TransferHook func(from, to crypto.Address, amount *big.Int)

// Engine implements the reward-sample accounting, claim and borrow state
// transitions over a pluggable state backend. Operations are not safe for
// concurrent use; the node serializes them.
type Engine struct {
	state     engineState
	module    crypto.Address
	params    Params
	pauses    nativecommon.PauseView
	tick      TickSource
	hook      TransferHook
	emitter   events.Emitter
	telemetry *metrics.VaultMetrics
	nowFn     func() uint64
	entered   bool
}

// NewEngine constructs a vault engine with the pool treasury address and
// governance parameters.
func NewEngine(module crypto.Address, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		module:    module,
		params:    params,
		telemetry: metrics.Vault(),
		nowFn:     func() uint64 { return uint64(time.Now().Unix()) },
	}, nil
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses wires the operator kill switch consulted before every operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetTickSource wires the upstream accrual hook.
func (e *Engine) SetTickSource(t TickSource) {
	if e == nil {
		return
	}
	e.tick = t
}

// SetTransferHook wires the outbound transfer observer.
func (e *Engine) SetTransferHook(h TransferHook) {
	if e == nil {
		return
	}
	e.hook = h
}

// SetEmitter wires the event subscriber.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Tests use this to pin fee windows.
func (e *Engine) SetNowFunc(now func() uint64) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
}

// Params returns the currently configured governance parameters.
func (e *Engine) Params() Params {
	return e.params
}

// UpdateParams replaces the governance parameters. Admin capability required.
func (e *Engine) UpdateParams(caller crypto.Address, params Params) error {
	if err := e.requireRole(RoleAdmin, caller, ErrAdminRequired); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	e.params = params
	return nil
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() uint64 {
	return e.nowFn()
}

func (e *Engine) tickNow() {
	if e.tick != nil {
		e.tick.NewTick()
	}
}

// enter flips the in-progress flag guarding every mutating entry point. A
// nested guarded call from within the same operation, typically triggered by
// an outbound transfer hook, is rejected before touching state.
func (e *Engine) enter() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.entered {
		return ErrReentrantCall
	}
	e.entered = true
	return nil
}

func (e *Engine) leave() {
	e.entered = false
}

func (e *Engine) requireRole(role string, addr crypto.Address, failure error) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.state.HasRole(role, addr) {
		return failure
	}
	return nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.Account(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}

func (e *Engine) loadPool() (*PoolState, error) {
	pool, err := e.state.Pool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = NewPoolState()
	}
	return pool, nil
}

func (e *Engine) newestIndex() (int64, error) {
	count, err := e.state.SampleCount()
	if err != nil {
		return 0, err
	}
	return int64(count) - 1, nil
}

// applyClaim settles a bounded catch-up window into the record, advancing the
// cursor and moving the accrued amount from TotalPendingClaim into Staked and
// TotalStaking. When the subtraction would deplete TotalPendingClaim the two
// figures must match exactly; a mismatch is an accounting bug and fails the
// operation rather than silently truncating.
func (e *Engine) applyClaim(pool *PoolState, user *UserRecord, pageSize uint64) (*big.Int, error) {
	accrued, end, err := ComputeClaimable(e.state, user.LastClaimIndex, user.Staked, pageSize)
	if err != nil {
		return nil, err
	}
	if end > user.LastClaimIndex {
		user.LastClaimIndex = end
	}
	if accrued.Sign() > 0 {
		switch pool.TotalPendingClaim.Cmp(accrued) {
		case 1:
			pool.TotalPendingClaim.Sub(pool.TotalPendingClaim, accrued)
		case 0:
			pool.TotalPendingClaim.SetInt64(0)
		default:
			return nil, ErrPendingClaimMismatch
		}
		user.Staked.Add(user.Staked, accrued)
		pool.TotalStaking.Add(pool.TotalStaking, accrued)
		e.telemetry.ObserveClaim(accrued)
	}
	return accrued, nil
}

func (e *Engine) requireCaughtUp(user *UserRecord) error {
	newest, err := e.newestIndex()
	if err != nil {
		return err
	}
	if user.LastClaimIndex < newest {
		return ErrCatchUpRequired
	}
	return nil
}

// reduceExact subtracts amount from agg with the dust-safety assertion: when
// the subtraction would deplete the aggregate, the two must be exactly equal.
func reduceExact(agg, amount *big.Int) bool {
	switch agg.Cmp(amount) {
	case 1:
		agg.Sub(agg, amount)
		return true
	case 0:
		agg.SetInt64(0)
		return true
	default:
		return false
	}
}

// reduceClamped subtracts amount from agg, flooring at zero.
func reduceClamped(agg, amount *big.Int) {
	agg.Sub(agg, amount)
	if agg.Sign() < 0 {
		agg.SetInt64(0)
	}
}

func (e *Engine) refreshAggregates(pool *PoolState) {
	e.telemetry.SetAggregates(pool.TotalStaking, pool.TotalPendingClaim, pool.TotalBorrowed)
}

// persistUser writes the record back, purging it when both stake and debt
// reached zero. The purged record is recreated fresh on the next deposit.
func (e *Engine) persistUser(user *UserRecord) error {
	if user.Dormant() {
		return e.state.DeleteUser(user.Address)
	}
	return e.state.PutUser(user)
}

// AppendSample appends one reward epoch to the log. Only the reward producer
// may call it. A zero reward still appends a checkpoint because catch-up
// indexing counts every entry.
func (e *Engine) AppendSample(caller crypto.Address, reward *big.Int) (uint64, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.leave()
	if err := e.requireRole(RoleRewarder, caller, ErrRewarderRequired); err != nil {
		return 0, err
	}
	if reward == nil || reward.Sign() < 0 {
		return 0, ErrInvalidAmount
	}
	e.tickNow()

	pool, err := e.loadPool()
	if err != nil {
		return 0, err
	}
	count, err := e.state.SampleCount()
	if err != nil {
		return 0, err
	}
	sample := &Sample{
		Timestamp: e.now(),
		Reward:    new(big.Int).Set(reward),
		TVL:       pool.TVL(),
	}
	if err := e.state.AppendSample(sample); err != nil {
		return 0, err
	}
	pool.TotalPendingClaim.Add(pool.TotalPendingClaim, reward)
	if err := e.state.PutPool(pool); err != nil {
		return 0, err
	}

	e.telemetry.ObserveSampleAppended()
	e.refreshAggregates(pool)
	e.emit(SampleAppended{Index: count, Reward: sample.Reward, TVL: sample.TVL})
	return count, nil
}

// Claimable is the read-only catch-up preview: the amount a claim with the
// given page size would settle, and the cursor it would advance to.
func (e *Engine) Claimable(addr crypto.Address, pageSize uint64) (*big.Int, int64, error) {
	if e == nil || e.state == nil {
		return nil, 0, ErrNilState
	}
	user, err := e.state.User(addr)
	if err != nil {
		return nil, 0, err
	}
	if user == nil {
		newest, err := e.newestIndex()
		if err != nil {
			return nil, 0, err
		}
		return big.NewInt(0), newest, nil
	}
	return ComputeClaimable(e.state, user.LastClaimIndex, user.Staked, pageSize)
}

// Claim settles up to pageSize samples into the caller's stake. Once the
// cursor sits at the newest index repeated calls are zero-movement no-ops.
func (e *Engine) Claim(caller crypto.Address, pageSize uint64) (*big.Int, int64, error) {
	if err := e.enter(); err != nil {
		return nil, 0, err
	}
	defer e.leave()
	e.tickNow()

	user, err := e.state.User(caller)
	if err != nil {
		return nil, 0, err
	}
	if user == nil {
		newest, err := e.newestIndex()
		if err != nil {
			return nil, 0, err
		}
		return big.NewInt(0), newest, nil
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, 0, err
	}
	before := user.LastClaimIndex
	accrued, err := e.applyClaim(pool, user, pageSize)
	if err != nil {
		return nil, 0, err
	}
	if accrued.Sign() == 0 && user.LastClaimIndex == before {
		return accrued, user.LastClaimIndex, nil
	}
	if err := e.state.PutUser(user); err != nil {
		return nil, 0, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, 0, err
	}

	e.telemetry.ObserveOperation("claim")
	e.refreshAggregates(pool)
	e.emit(Claimed{Account: caller, Amount: accrued, EndIndex: user.LastClaimIndex})
	return accrued, user.LastClaimIndex, nil
}

// Deposit transfers amount from the caller into the pool and stakes it for
// the beneficiary. The beneficiary must reach the newest sample index within
// the supplied page size or the deposit fails, forcing an incremental claim
// first.
func (e *Engine) Deposit(caller, beneficiary crypto.Address, amount *big.Int, pageSize uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	e.tickNow()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if pool.PausedIntake {
		e.telemetry.ObserveReject("deposit")
		return ErrIntakePaused
	}
	if pool.RequireWhitelist {
		allowed, err := e.state.IsWhitelisted(caller)
		if err != nil {
			return err
		}
		if !allowed {
			e.telemetry.ObserveReject("deposit")
			return ErrNotWhitelisted
		}
	}

	user, err := e.state.User(beneficiary)
	if err != nil {
		return err
	}
	if user == nil {
		user = NewUserRecord(beneficiary)
	}
	if _, err := e.applyClaim(pool, user, pageSize); err != nil {
		return err
	}
	if err := e.requireCaughtUp(user); err != nil {
		e.telemetry.ObserveReject("deposit")
		return err
	}

	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if callerAcc.Balance.Cmp(amount) < 0 {
		e.telemetry.ObserveReject("deposit")
		return ErrInsufficientBalance
	}
	moduleAcc, err := e.loadAccount(e.module)
	if err != nil {
		return err
	}
	callerAcc.Balance.Sub(callerAcc.Balance, amount)
	moduleAcc.Balance.Add(moduleAcc.Balance, amount)

	user.Staked.Add(user.Staked, amount)
	user.LastStakeTime = e.now()
	pool.TotalStaking.Add(pool.TotalStaking, amount)

	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.module, moduleAcc); err != nil {
		return err
	}
	if err := e.state.PutUser(user); err != nil {
		return err
	}
	if err := e.state.PutPool(pool); err != nil {
		return err
	}

	e.telemetry.ObserveOperation("deposit")
	e.refreshAggregates(pool)
	e.emit(Deposited{Account: beneficiary, Amount: amount, Staked: user.Staked})
	return nil
}

// Withdraw releases amount of the caller's stake. Unless forced, the caller
// must fully catch up first; force skips claiming and may leave claimable
// rewards behind. Inside the fee window the transferred amount is reduced by
// the fee, which is routed to the configured recipient, while the staked
// balance drops by the full amount.
func (e *Engine) Withdraw(caller crypto.Address, amount *big.Int, pageSize uint64, force bool) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()
	e.tickNow()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	user, err := e.state.User(caller)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNoPosition
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if !force {
		if _, err := e.applyClaim(pool, user, pageSize); err != nil {
			return nil, err
		}
		if err := e.requireCaughtUp(user); err != nil {
			e.telemetry.ObserveReject("withdraw")
			return nil, err
		}
	}

	maxWithdrawable := new(big.Int).Sub(user.Staked, user.Borrowed)
	if amount.Cmp(maxWithdrawable) > 0 {
		e.telemetry.ObserveReject("withdraw")
		return nil, ErrCollateralLocked
	}

	fee := big.NewInt(0)
	if e.params.WithdrawFeeBps > 0 && e.now() < user.LastStakeTime+e.params.NoFeeWindowSeconds {
		fee.Mul(amount, new(big.Int).SetUint64(e.params.WithdrawFeeBps))
		fee.Quo(fee, big.NewInt(feeDenominator))
	}
	transferred := new(big.Int).Sub(amount, fee)

	moduleAcc, err := e.loadAccount(e.module)
	if err != nil {
		return nil, err
	}
	if moduleAcc.Balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}

	user.Staked.Sub(user.Staked, amount)
	if !reduceExact(pool.TotalStaking, amount) {
		return nil, ErrStakingAggregateMismatch
	}

	moduleAcc.Balance.Sub(moduleAcc.Balance, amount)
	callerAcc.Balance.Add(callerAcc.Balance, transferred)
	if fee.Sign() > 0 {
		if e.params.FeeRecipient.Equal(caller) {
			callerAcc.Balance.Add(callerAcc.Balance, fee)
		} else {
			feeAcc, err := e.loadAccount(e.params.FeeRecipient)
			if err != nil {
				return nil, err
			}
			feeAcc.Balance.Add(feeAcc.Balance, fee)
			if err := e.state.PutAccount(e.params.FeeRecipient, feeAcc); err != nil {
				return nil, err
			}
		}
		e.telemetry.ObserveFee(fee)
	}

	if err := e.state.PutAccount(e.module, moduleAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return nil, err
	}
	if err := e.persistUser(user); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}

	e.telemetry.ObserveOperation("withdraw")
	e.refreshAggregates(pool)
	e.emit(Withdrawn{Account: caller, Amount: amount, Fee: fee, Transferred: transferred, Forced: force})
	if e.hook != nil {
		e.hook(e.module, caller, transferred)
	}
	return transferred, nil
}

// Transfer moves stake between two records without any asset leaving the
// pool. Both accounts catch up with half the page size each so total work
// stays bounded. The recipient keeps the longer of the two fee-lock windows.
func (e *Engine) Transfer(from, to crypto.Address, amount *big.Int, pageSize uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	e.tickNow()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from.Equal(to) {
		return ErrInvalidAmount
	}
	sender, err := e.state.User(from)
	if err != nil {
		return err
	}
	if sender == nil {
		return ErrNoPosition
	}
	recipient, err := e.state.User(to)
	if err != nil {
		return err
	}
	if recipient == nil {
		recipient = NewUserRecord(to)
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}

	half := pageSize / 2
	if _, err := e.applyClaim(pool, sender, half); err != nil {
		return err
	}
	if _, err := e.applyClaim(pool, recipient, half); err != nil {
		return err
	}

	available := new(big.Int).Sub(sender.Staked, sender.Borrowed)
	if available.Cmp(amount) < 0 {
		e.telemetry.ObserveReject("transfer")
		return ErrCollateralLocked
	}

	sender.Staked.Sub(sender.Staked, amount)
	recipient.Staked.Add(recipient.Staked, amount)
	if sender.LastStakeTime > recipient.LastStakeTime {
		recipient.LastStakeTime = sender.LastStakeTime
	}

	if err := e.persistUser(sender); err != nil {
		return err
	}
	if err := e.state.PutUser(recipient); err != nil {
		return err
	}
	if err := e.state.PutPool(pool); err != nil {
		return err
	}

	e.telemetry.ObserveOperation("transfer")
	e.refreshAggregates(pool)
	e.emit(Transferred{From: from, To: to, Amount: amount})
	return nil
}

// Approve sets the spender's borrow allowance against the owner's stake to an
// absolute amount. A zero amount clears the allowance.
func (e *Engine) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	user, err := e.state.User(owner)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrNoPosition
	}
	user.SetAllowance(spender, amount)
	if err := e.state.PutUser(user); err != nil {
		return err
	}
	e.emit(Approved{Owner: owner, Spender: spender, Amount: amount})
	return nil
}

// Borrow draws amount of pool liquidity against the user's stake and hands it
// to the spender. The user catches up with the administered page size only;
// borrowing must not be blockable by an arbitrarily long reward history.
func (e *Engine) Borrow(userAddr, spender crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	e.tickNow()

	if err := e.requireRole(RoleBorrower, spender, ErrBorrowerRequired); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if pool.PausedIntake {
		e.telemetry.ObserveReject("borrow")
		return ErrIntakePaused
	}
	user, err := e.state.User(userAddr)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrNoPosition
	}
	allowance := user.Allowance(spender)
	if allowance.Cmp(amount) < 0 {
		e.telemetry.ObserveReject("borrow")
		return ErrInsufficientAllowance
	}

	if _, err := e.applyClaim(pool, user, e.params.BorrowClaimPageSize); err != nil {
		return err
	}

	newBorrowed := new(big.Int).Add(user.Borrowed, amount)
	if newBorrowed.Cmp(user.Staked) > 0 {
		e.telemetry.ObserveReject("borrow")
		return ErrBorrowExceedsStake
	}
	liquidity := new(big.Int).Sub(pool.TotalStaking, pool.TotalBorrowed)
	if amount.Cmp(liquidity) > 0 {
		e.telemetry.ObserveReject("borrow")
		return ErrInsufficientLiquidity
	}

	moduleAcc, err := e.loadAccount(e.module)
	if err != nil {
		return err
	}
	if moduleAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	spenderAcc, err := e.loadAccount(spender)
	if err != nil {
		return err
	}

	user.SetAllowance(spender, allowance.Sub(allowance, amount))
	user.Borrowed = newBorrowed
	pool.TotalBorrowed.Add(pool.TotalBorrowed, amount)

	moduleAcc.Balance.Sub(moduleAcc.Balance, amount)
	spenderAcc.Balance.Add(spenderAcc.Balance, amount)

	if err := e.state.PutAccount(e.module, moduleAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(spender, spenderAcc); err != nil {
		return err
	}
	if err := e.state.PutUser(user); err != nil {
		return err
	}
	if err := e.state.PutPool(pool); err != nil {
		return err
	}

	e.telemetry.ObserveOperation("borrow")
	e.refreshAggregates(pool)
	e.emit(Borrowed{Account: userAddr, Spender: spender, Amount: amount, Borrowed: user.Borrowed})
	if e.hook != nil {
		e.hook(e.module, spender, amount)
	}
	return nil
}

// ReturnBorrow moves amount from the spender back into the pool. Anything
// beyond the outstanding debt becomes new stake for the user.
func (e *Engine) ReturnBorrow(userAddr, spender crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	e.tickNow()

	if err := e.requireRole(RoleBorrower, spender, ErrBorrowerRequired); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	user, err := e.state.User(userAddr)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrNoPosition
	}
	spenderAcc, err := e.loadAccount(spender)
	if err != nil {
		return err
	}
	if spenderAcc.Balance.Cmp(amount) < 0 {
		e.telemetry.ObserveReject("returnBorrow")
		return ErrInsufficientBalance
	}
	moduleAcc, err := e.loadAccount(e.module)
	if err != nil {
		return err
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}

	spenderAcc.Balance.Sub(spenderAcc.Balance, amount)
	moduleAcc.Balance.Add(moduleAcc.Balance, amount)

	if _, err := e.applyClaim(pool, user, e.params.BorrowClaimPageSize); err != nil {
		return err
	}

	repaid := new(big.Int).Set(amount)
	overpay := big.NewInt(0)
	if repaid.Cmp(user.Borrowed) > 0 {
		repaid.Set(user.Borrowed)
		overpay.Sub(amount, repaid)
	}
	user.Borrowed.Sub(user.Borrowed, repaid)
	if overpay.Sign() > 0 {
		user.Staked.Add(user.Staked, overpay)
		pool.TotalStaking.Add(pool.TotalStaking, overpay)
	}
	reduceClamped(pool.TotalBorrowed, repaid)

	if err := e.state.PutAccount(spender, spenderAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.module, moduleAcc); err != nil {
		return err
	}
	if err := e.state.PutUser(user); err != nil {
		return err
	}
	if err := e.state.PutPool(pool); err != nil {
		return err
	}

	e.telemetry.ObserveOperation("returnBorrow")
	e.refreshAggregates(pool)
	e.emit(Returned{Account: userAddr, Spender: spender, Amount: amount, Repaid: repaid, Overpay: overpay})
	return nil
}

// LiquidateBorrow writes down the user's position by amount. When amount
// exceeds the outstanding debt, the shortfall is an extra loss taken from
// stake beyond the nominal debt. No asset leaves the pool.
func (e *Engine) LiquidateBorrow(userAddr, spender crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	e.tickNow()

	if err := e.requireRole(RoleBorrower, spender, ErrBorrowerRequired); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	user, err := e.state.User(userAddr)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrNoPosition
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if _, err := e.applyClaim(pool, user, e.params.BorrowClaimPageSize); err != nil {
		return err
	}

	if amount.Cmp(user.Staked) > 0 {
		e.telemetry.ObserveReject("liquidateBorrow")
		return ErrLiquidationExceedsStake
	}
	repaid := new(big.Int).Set(amount)
	shortfall := big.NewInt(0)
	if repaid.Cmp(user.Borrowed) > 0 {
		repaid.Set(user.Borrowed)
		shortfall.Sub(amount, repaid)
	}

	user.Staked.Sub(user.Staked, amount)
	user.Borrowed.Sub(user.Borrowed, repaid)
	reduceClamped(pool.TotalStaking, amount)
	reduceClamped(pool.TotalBorrowed, repaid)

	if err := e.persistUser(user); err != nil {
		return err
	}
	if err := e.state.PutPool(pool); err != nil {
		return err
	}

	e.telemetry.ObserveOperation("liquidateBorrow")
	if shortfall.Sign() > 0 {
		e.telemetry.ObserveLiquidationShortfall(shortfall)
	}
	e.refreshAggregates(pool)
	e.emit(Liquidated{Account: userAddr, Spender: spender, Amount: amount, Shortfall: shortfall})
	return nil
}

// EmergencyWithdraw releases staked minus borrowed with no fee and without
// consulting the claim engine, then purges the record. Only permitted while
// the emergency switch is enabled.
func (e *Engine) EmergencyWithdraw(caller crypto.Address) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if !pool.EmergencyEnabled {
		return nil, ErrEmergencyDisabled
	}
	user, err := e.state.User(caller)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNoPosition
	}

	released := new(big.Int).Sub(user.Staked, user.Borrowed)
	moduleAcc, err := e.loadAccount(e.module)
	if err != nil {
		return nil, err
	}
	if moduleAcc.Balance.Cmp(released) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}

	moduleAcc.Balance.Sub(moduleAcc.Balance, released)
	callerAcc.Balance.Add(callerAcc.Balance, released)
	reduceClamped(pool.TotalStaking, user.Staked)
	reduceClamped(pool.TotalBorrowed, user.Borrowed)

	if err := e.state.PutAccount(e.module, moduleAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return nil, err
	}
	if err := e.state.DeleteUser(caller); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}

	e.telemetry.ObserveOperation("emergencyWithdraw")
	e.refreshAggregates(pool)
	e.emit(EmergencyWithdrawn{Account: caller, Released: released})
	if e.hook != nil {
		e.hook(e.module, caller, released)
	}
	return released, nil
}

// EmergencyWithdrawRewards sweeps the entire undistributed reward balance to
// the recipient, permanently forfeiting every unclaimed-but-unsettled share.
// Last resort only: claims against already-appended samples will fail their
// dust assertion afterwards.
func (e *Engine) EmergencyWithdrawRewards(caller, recipient crypto.Address) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	if err := e.requireRole(RoleAdmin, caller, ErrAdminRequired); err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	swept := new(big.Int).Set(pool.TotalPendingClaim)
	if swept.Sign() == 0 {
		return swept, nil
	}
	moduleAcc, err := e.loadAccount(e.module)
	if err != nil {
		return nil, err
	}
	if moduleAcc.Balance.Cmp(swept) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	recipientAcc, err := e.loadAccount(recipient)
	if err != nil {
		return nil, err
	}

	moduleAcc.Balance.Sub(moduleAcc.Balance, swept)
	recipientAcc.Balance.Add(recipientAcc.Balance, swept)
	pool.TotalPendingClaim.SetInt64(0)

	if err := e.state.PutAccount(e.module, moduleAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(recipient, recipientAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}

	e.telemetry.ObserveOperation("emergencyWithdrawRewards")
	e.refreshAggregates(pool)
	e.emit(RewardsSwept{Recipient: recipient, Amount: swept})
	if e.hook != nil {
		e.hook(e.module, recipient, swept)
	}
	return swept, nil
}

// --- Administrative switches ---

// SetPausedIntake halts or resumes deposits and new borrowing.
func (e *Engine) SetPausedIntake(caller crypto.Address, paused bool) error {
	return e.updatePool(caller, func(pool *PoolState) { pool.PausedIntake = paused })
}

// SetRequireWhitelist toggles whitelist gating for deposits.
func (e *Engine) SetRequireWhitelist(caller crypto.Address, required bool) error {
	return e.updatePool(caller, func(pool *PoolState) { pool.RequireWhitelist = required })
}

// SetEmergencyEnabled toggles the emergency withdrawal path.
func (e *Engine) SetEmergencyEnabled(caller crypto.Address, enabled bool) error {
	return e.updatePool(caller, func(pool *PoolState) { pool.EmergencyEnabled = enabled })
}

func (e *Engine) updatePool(caller crypto.Address, mutate func(*PoolState)) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(RoleAdmin, caller, ErrAdminRequired); err != nil {
		return err
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	mutate(pool)
	return e.state.PutPool(pool)
}

// SetWhitelisted toggles a deposit whitelist membership.
func (e *Engine) SetWhitelisted(caller, addr crypto.Address, allowed bool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(RoleAdmin, caller, ErrAdminRequired); err != nil {
		return err
	}
	return e.state.SetWhitelisted(addr, allowed)
}

// --- Read-only views ---

// UserBalance reports the composite view for an account: settled stake plus
// everything a full catch-up would settle now, the withdrawable remainder,
// and outstanding debt.
func (e *Engine) UserBalance(addr crypto.Address) (*Balance, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	user, err := e.state.User(addr)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return &Balance{
			StakedPlusClaimable: big.NewInt(0),
			Withdrawable:        big.NewInt(0),
			Borrowed:            big.NewInt(0),
		}, nil
	}
	claimable, _, err := ComputeClaimable(e.state, user.LastClaimIndex, user.Staked, math.MaxUint64)
	if err != nil {
		return nil, err
	}
	return &Balance{
		StakedPlusClaimable: new(big.Int).Add(user.Staked, claimable),
		Withdrawable:        new(big.Int).Sub(user.Staked, user.Borrowed),
		Borrowed:            new(big.Int).Set(user.Borrowed),
	}, nil
}

// BalanceOfVotingPower equals the staked-plus-claimable figure and is
// consumed by the external governance aggregator.
func (e *Engine) BalanceOfVotingPower(addr crypto.Address) (*big.Int, error) {
	balance, err := e.UserBalance(addr)
	if err != nil {
		return nil, err
	}
	return balance.StakedPlusClaimable, nil
}

// TotalValueLocked is settled stake plus undistributed reward, the
// denominator the next sample will snapshot.
func (e *Engine) TotalValueLocked() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	return pool.TVL(), nil
}

// ActualRewards returns the most recent sample's reward amount, zero when the
// log is empty.
func (e *Engine) ActualRewards() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	count, err := e.state.SampleCount()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return big.NewInt(0), nil
	}
	sample, err := e.state.Sample(count - 1)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(sample.Reward), nil
}
