package core

import (
	"fmt"
	"math/big"
	"sync"

	"stakevault/core/events"
	"stakevault/core/state"
	"stakevault/core/types"
	"stakevault/crypto"
	"stakevault/native/vault"
	"stakevault/storage"
)

// eventBufferSize bounds the in-memory ring served to RPC subscribers.
const eventBufferSize = 256

// Node is the central controller, wiring the state manager and the vault
// engine together and serializing every operation. The engine itself is not
// safe for concurrent use; all concurrency control lives here.
type Node struct {
	db      storage.Database
	manager *state.Manager
	engine  *vault.Engine

	mu      sync.Mutex
	paused  map[string]bool
	events  []recordedEvent
	nextSeq uint64
}

type recordedEvent struct {
	Seq   uint64
	Event *types.Event
}

// EventRecord is one entry from the node's recent-event buffer.
type EventRecord struct {
	Sequence uint64
	Event    *types.Event
}

// PoolInfo is the aggregate snapshot served to operators.
type PoolInfo struct {
	TotalStaking      *big.Int
	TotalPendingClaim *big.Int
	TotalBorrowed     *big.Int
	TVL               *big.Int
	SampleCount       uint64
	PausedIntake      bool
	RequireWhitelist  bool
	EmergencyEnabled  bool
}

// attributeEvent is implemented by every vault event payload.
type attributeEvent interface {
	events.Event
	Event() *types.Event
}

// NewNode opens the state manager over db and configures the engine with the
// pool treasury address and governance parameters.
func NewNode(db storage.Database, treasury crypto.Address, params vault.Params) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	engine, err := vault.NewEngine(treasury, params)
	if err != nil {
		return nil, err
	}
	manager := state.NewManager(db)
	engine.SetState(manager)

	node := &Node{
		db:      db,
		manager: manager,
		engine:  engine,
		paused:  make(map[string]bool),
	}
	engine.SetPauses(node)
	engine.SetEmitter(node)
	return node, nil
}

// Emit implements events.Emitter; the engine calls it after every committed
// state transition.
func (n *Node) Emit(evt events.Event) {
	payload, ok := evt.(attributeEvent)
	if !ok {
		return
	}
	n.events = append(n.events, recordedEvent{Seq: n.nextSeq, Event: payload.Event()})
	n.nextSeq++
	if len(n.events) > eventBufferSize {
		n.events = n.events[len(n.events)-eventBufferSize:]
	}
}

// IsPaused implements the pause view consulted by the engine.
func (n *Node) IsPaused(module string) bool {
	return n.paused[module]
}

// SetModulePaused halts or resumes every vault operation outright. Admin
// capability required.
func (n *Node) SetModulePaused(caller crypto.Address, module string, paused bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.manager.HasRole(vault.RoleAdmin, caller) {
		return vault.ErrAdminRequired
	}
	n.paused[module] = paused
	return nil
}

// Bootstrap grants the first admin capability. It refuses to run once any
// admin exists, so it is only usable on a fresh database.
func (n *Node) Bootstrap(admin crypto.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	members, err := n.manager.RoleMembers(vault.RoleAdmin)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		return fmt.Errorf("core: admin already provisioned")
	}
	return n.manager.SetRole(vault.RoleAdmin, admin)
}

// --- Asset supply ---

// Mint credits newly issued balance to an account. Admin capability required.
func (n *Node) Mint(caller, recipient crypto.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.manager.HasRole(vault.RoleAdmin, caller) {
		return vault.ErrAdminRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return vault.ErrInvalidAmount
	}
	account, err := n.manager.Account(recipient)
	if err != nil {
		return err
	}
	if account == nil {
		account = types.NewAccount()
	}
	account.Balance.Add(account.Balance, amount)
	return n.manager.PutAccount(recipient, account)
}

// Balance reports the spendable asset balance for an address.
func (n *Node) Balance(addr crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	account, err := n.manager.Account(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(account.Balance), nil
}

// --- Vault operations ---

// AppendSample records one reward epoch.
func (n *Node) AppendSample(caller crypto.Address, reward *big.Int) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.AppendSample(caller, reward)
}

// Claim settles up to pageSize samples into the caller's stake.
func (n *Node) Claim(caller crypto.Address, pageSize uint64) (*big.Int, int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Claim(caller, pageSize)
}

// Deposit stakes amount from the caller for the beneficiary.
func (n *Node) Deposit(caller, beneficiary crypto.Address, amount *big.Int, pageSize uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Deposit(caller, beneficiary, amount, pageSize)
}

// Withdraw releases stake back to the caller.
func (n *Node) Withdraw(caller crypto.Address, amount *big.Int, pageSize uint64, force bool) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Withdraw(caller, amount, pageSize, force)
}

// Transfer moves stake between records.
func (n *Node) Transfer(from, to crypto.Address, amount *big.Int, pageSize uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Transfer(from, to, amount, pageSize)
}

// Approve sets a borrow allowance.
func (n *Node) Approve(owner, spender crypto.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Approve(owner, spender, amount)
}

// Borrow draws pool liquidity against a record.
func (n *Node) Borrow(user, spender crypto.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Borrow(user, spender, amount)
}

// ReturnBorrow repays borrowed liquidity.
func (n *Node) ReturnBorrow(user, spender crypto.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ReturnBorrow(user, spender, amount)
}

// LiquidateBorrow writes down a position.
func (n *Node) LiquidateBorrow(user, spender crypto.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.LiquidateBorrow(user, spender, amount)
}

// EmergencyWithdraw releases a position through the emergency path.
func (n *Node) EmergencyWithdraw(caller crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.EmergencyWithdraw(caller)
}

// EmergencyWithdrawRewards sweeps the undistributed reward balance.
func (n *Node) EmergencyWithdrawRewards(caller, recipient crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.EmergencyWithdrawRewards(caller, recipient)
}

// --- Administration ---

// GrantRole assigns a vault capability. Admin capability required.
func (n *Node) GrantRole(caller crypto.Address, role string, addr crypto.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.manager.HasRole(vault.RoleAdmin, caller) {
		return vault.ErrAdminRequired
	}
	return n.manager.SetRole(role, addr)
}

// RevokeRole removes a vault capability. Admin capability required.
func (n *Node) RevokeRole(caller crypto.Address, role string, addr crypto.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.manager.HasRole(vault.RoleAdmin, caller) {
		return vault.ErrAdminRequired
	}
	return n.manager.RevokeRole(role, addr)
}

// RoleMembers lists the holders of a capability.
func (n *Node) RoleMembers(role string) ([]crypto.Address, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager.RoleMembers(role)
}

// SetWhitelisted toggles deposit whitelist membership.
func (n *Node) SetWhitelisted(caller, addr crypto.Address, allowed bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SetWhitelisted(caller, addr, allowed)
}

// SetPausedIntake halts or resumes deposits and new borrowing.
func (n *Node) SetPausedIntake(caller crypto.Address, paused bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SetPausedIntake(caller, paused)
}

// SetRequireWhitelist toggles whitelist gating.
func (n *Node) SetRequireWhitelist(caller crypto.Address, required bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SetRequireWhitelist(caller, required)
}

// SetEmergencyEnabled toggles the emergency withdrawal path.
func (n *Node) SetEmergencyEnabled(caller crypto.Address, enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SetEmergencyEnabled(caller, enabled)
}

// UpdateParams replaces the governance parameters.
func (n *Node) UpdateParams(caller crypto.Address, params vault.Params) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.UpdateParams(caller, params)
}

// --- Queries ---

// Params returns the governance parameters in force.
func (n *Node) Params() vault.Params {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Params()
}

// UserBalance reports the composite balance view for an account.
func (n *Node) UserBalance(addr crypto.Address) (*vault.Balance, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.UserBalance(addr)
}

// VotingPower reports the governance weight for an account.
func (n *Node) VotingPower(addr crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.BalanceOfVotingPower(addr)
}

// Claimable previews the next claim for an account.
func (n *Node) Claimable(addr crypto.Address, pageSize uint64) (*big.Int, int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Claimable(addr, pageSize)
}

// ActualRewards reports the most recent reward sample amount.
func (n *Node) ActualRewards() (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ActualRewards()
}

// PoolInfo snapshots the aggregate counters and switches.
func (n *Node) PoolInfo() (*PoolInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pool, err := n.manager.Pool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = vault.NewPoolState()
	}
	count, err := n.manager.SampleCount()
	if err != nil {
		return nil, err
	}
	return &PoolInfo{
		TotalStaking:      pool.TotalStaking,
		TotalPendingClaim: pool.TotalPendingClaim,
		TotalBorrowed:     pool.TotalBorrowed,
		TVL:               pool.TVL(),
		SampleCount:       count,
		PausedIntake:      pool.PausedIntake,
		RequireWhitelist:  pool.RequireWhitelist,
		EmergencyEnabled:  pool.EmergencyEnabled,
	}, nil
}

// SampleAt returns one reward log entry.
func (n *Node) SampleAt(index uint64) (*vault.Sample, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	count, err := n.manager.SampleCount()
	if err != nil {
		return nil, err
	}
	if index >= count {
		return nil, fmt.Errorf("core: sample %d out of range (count %d)", index, count)
	}
	return n.manager.Sample(index)
}

// Events returns buffered events with sequence numbers at or after since. A
// since of zero returns everything still buffered.
func (n *Node) Events(since uint64) []EventRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventRecord, 0, len(n.events))
	for _, rec := range n.events {
		if since > 0 && rec.Seq < since {
			continue
		}
		out = append(out, EventRecord{Sequence: rec.Seq, Event: rec.Event})
	}
	return out
}
