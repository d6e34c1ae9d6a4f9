package state

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"stakevault/core/types"
	"stakevault/crypto"
	"stakevault/native/vault"
	"stakevault/storage"
)

// Manager persists vault records, accounts, the sample log and the capability
// registry over a key-value database. Keys are hashed with a concern prefix so
// unrelated record families can never collide.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	accountPrefix   = []byte("vault-account:")
	userPrefix      = []byte("vault-user:")
	samplePrefix    = []byte("vault-sample:")
	whitelistPrefix = []byte("vault-whitelist:")
	rolePrefix      = []byte("vault-role:")
	poolKey         = ethcrypto.Keccak256([]byte("vault-pool"))
	sampleCountKey  = ethcrypto.Keccak256([]byte("vault-sample-count"))
)

func prefixedKey(prefix, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr crypto.Address) []byte {
	return prefixedKey(accountPrefix, addr.Bytes())
}

func userKey(addr crypto.Address) []byte {
	return prefixedKey(userPrefix, addr.Bytes())
}

func sampleKey(index uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return prefixedKey(samplePrefix, buf)
}

func whitelistKey(addr crypto.Address) []byte {
	return prefixedKey(whitelistPrefix, addr.Bytes())
}

func roleKey(role string) []byte {
	return prefixedKey(rolePrefix, []byte(role))
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// --- Accounts ---

type storedAccount struct {
	Balance *big.Int
	Nonce   uint64
}

// Account loads the asset balance record for an address, nil when absent.
func (m *Manager) Account(addr crypto.Address) (*types.Account, error) {
	stored := new(storedAccount)
	ok, err := m.get(accountKey(addr), stored)
	if err != nil || !ok {
		return nil, err
	}
	balance := stored.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return &types.Account{Balance: balance, Nonce: stored.Nonce}, nil
}

// PutAccount writes the asset balance record for an address.
func (m *Manager) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return m.put(accountKey(addr), &storedAccount{Balance: balance, Nonce: account.Nonce})
}

// --- Vault user records ---

// RLP has no signed integers or maps, so the claim cursor is stored shifted
// by one (zero meaning the sentinel) and allowances as a sorted entry list.
type storedAllowance struct {
	Spender []byte
	Amount  *big.Int
}

type storedUser struct {
	Address       []byte
	Staked        *big.Int
	Borrowed      *big.Int
	LastStakeTime uint64
	CursorPlusOne uint64
	Allowances    []storedAllowance
}

// User loads a vault record, nil when the address never staked or was purged.
func (m *Manager) User(addr crypto.Address) (*vault.UserRecord, error) {
	stored := new(storedUser)
	ok, err := m.get(userKey(addr), stored)
	if err != nil || !ok {
		return nil, err
	}
	decoded, err := crypto.NewAddress(crypto.VaultPrefix, stored.Address)
	if err != nil {
		return nil, fmt.Errorf("state: corrupt user record for %s: %w", addr, err)
	}
	record := vault.NewUserRecord(decoded)
	if stored.Staked != nil {
		record.Staked = stored.Staked
	}
	if stored.Borrowed != nil {
		record.Borrowed = stored.Borrowed
	}
	record.LastStakeTime = stored.LastStakeTime
	record.LastClaimIndex = int64(stored.CursorPlusOne) - 1
	for _, entry := range stored.Allowances {
		spender, err := crypto.NewAddress(crypto.VaultPrefix, entry.Spender)
		if err != nil {
			return nil, fmt.Errorf("state: corrupt allowance for %s: %w", addr, err)
		}
		record.SetAllowance(spender, entry.Amount)
	}
	return record, nil
}

// PutUser writes a vault record.
func (m *Manager) PutUser(user *vault.UserRecord) error {
	if user == nil {
		return fmt.Errorf("state: user record must not be nil")
	}
	stored := &storedUser{
		Address:       user.Address.Bytes(),
		Staked:        user.Staked,
		Borrowed:      user.Borrowed,
		LastStakeTime: user.LastStakeTime,
		CursorPlusOne: uint64(user.LastClaimIndex + 1),
	}
	for spender, amount := range user.Allowances {
		stored.Allowances = append(stored.Allowances, storedAllowance{
			Spender: []byte(spender),
			Amount:  amount,
		})
	}
	sort.Slice(stored.Allowances, func(i, j int) bool {
		return bytes.Compare(stored.Allowances[i].Spender, stored.Allowances[j].Spender) < 0
	})
	return m.put(userKey(user.Address), stored)
}

// DeleteUser purges a vault record.
func (m *Manager) DeleteUser(addr crypto.Address) error {
	err := m.db.Delete(userKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// --- Pool aggregates ---

type storedPool struct {
	TotalStaking      *big.Int
	TotalPendingClaim *big.Int
	TotalBorrowed     *big.Int
	PausedIntake      bool
	RequireWhitelist  bool
	EmergencyEnabled  bool
}

// Pool loads the aggregate counters, nil before genesis wrote them.
func (m *Manager) Pool() (*vault.PoolState, error) {
	stored := new(storedPool)
	ok, err := m.get(poolKey, stored)
	if err != nil || !ok {
		return nil, err
	}
	pool := vault.NewPoolState()
	if stored.TotalStaking != nil {
		pool.TotalStaking = stored.TotalStaking
	}
	if stored.TotalPendingClaim != nil {
		pool.TotalPendingClaim = stored.TotalPendingClaim
	}
	if stored.TotalBorrowed != nil {
		pool.TotalBorrowed = stored.TotalBorrowed
	}
	pool.PausedIntake = stored.PausedIntake
	pool.RequireWhitelist = stored.RequireWhitelist
	pool.EmergencyEnabled = stored.EmergencyEnabled
	return pool, nil
}

// PutPool writes the aggregate counters.
func (m *Manager) PutPool(pool *vault.PoolState) error {
	if pool == nil {
		return fmt.Errorf("state: pool must not be nil")
	}
	return m.put(poolKey, &storedPool{
		TotalStaking:      pool.TotalStaking,
		TotalPendingClaim: pool.TotalPendingClaim,
		TotalBorrowed:     pool.TotalBorrowed,
		PausedIntake:      pool.PausedIntake,
		RequireWhitelist:  pool.RequireWhitelist,
		EmergencyEnabled:  pool.EmergencyEnabled,
	})
}

// --- Sample log ---

type storedSample struct {
	Timestamp uint64
	Reward    *big.Int
	TVL       *big.Int
}

// SampleCount returns the length of the append-only reward log.
func (m *Manager) SampleCount() (uint64, error) {
	var count uint64
	if _, err := m.get(sampleCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Sample loads one reward log entry by index.
func (m *Manager) Sample(index uint64) (*vault.Sample, error) {
	stored := new(storedSample)
	ok, err := m.get(sampleKey(index), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("state: sample %d not found", index)
	}
	reward := stored.Reward
	if reward == nil {
		reward = big.NewInt(0)
	}
	tvl := stored.TVL
	if tvl == nil {
		tvl = big.NewInt(0)
	}
	return &vault.Sample{Timestamp: stored.Timestamp, Reward: reward, TVL: tvl}, nil
}

// AppendSample writes the next reward log entry and bumps the count. The log
// is append-only; indices are never reused or rewritten.
func (m *Manager) AppendSample(sample *vault.Sample) error {
	if sample == nil {
		return fmt.Errorf("state: sample must not be nil")
	}
	count, err := m.SampleCount()
	if err != nil {
		return err
	}
	stored := &storedSample{Timestamp: sample.Timestamp, Reward: sample.Reward, TVL: sample.TVL}
	if err := m.put(sampleKey(count), stored); err != nil {
		return err
	}
	return m.put(sampleCountKey, count+1)
}

// --- Capability registry ---

func (m *Manager) roleMembers(role string) ([][]byte, error) {
	var members [][]byte
	if _, err := m.get(roleKey(role), &members); err != nil {
		return nil, err
	}
	return members, nil
}

// SetRole grants the capability to the address. Granting twice is a no-op.
func (m *Manager) SetRole(role string, addr crypto.Address) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("state: role must not be empty")
	}
	members, err := m.roleMembers(trimmed)
	if err != nil {
		return err
	}
	raw := addr.Bytes()
	for _, existing := range members {
		if bytes.Equal(existing, raw) {
			return nil
		}
	}
	members = append(members, raw)
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
	})
	return m.put(roleKey(trimmed), members)
}

// RevokeRole removes the capability from the address. Revoking an absent
// grant is a no-op.
func (m *Manager) RevokeRole(role string, addr crypto.Address) error {
	trimmed := strings.TrimSpace(role)
	members, err := m.roleMembers(trimmed)
	if err != nil {
		return err
	}
	raw := addr.Bytes()
	filtered := members[:0]
	for _, existing := range members {
		if !bytes.Equal(existing, raw) {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == len(members) {
		return nil
	}
	return m.put(roleKey(trimmed), filtered)
}

// RoleMembers returns all addresses holding the capability.
func (m *Manager) RoleMembers(role string) ([]crypto.Address, error) {
	members, err := m.roleMembers(strings.TrimSpace(role))
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(members))
	for _, raw := range members {
		addr, err := crypto.NewAddress(crypto.VaultPrefix, raw)
		if err != nil {
			return nil, fmt.Errorf("state: corrupt role member: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// HasRole reports whether the address holds the capability. Read errors
// report false, matching the best-effort semantics callers expect.
func (m *Manager) HasRole(role string, addr crypto.Address) bool {
	members, err := m.roleMembers(strings.TrimSpace(role))
	if err != nil {
		return false
	}
	raw := addr.Bytes()
	for _, member := range members {
		if bytes.Equal(member, raw) {
			return true
		}
	}
	return false
}

// --- Deposit whitelist ---

// IsWhitelisted reports whether the address may deposit while whitelist
// gating is enabled.
func (m *Manager) IsWhitelisted(addr crypto.Address) (bool, error) {
	var allowed bool
	ok, err := m.get(whitelistKey(addr), &allowed)
	if err != nil || !ok {
		return false, err
	}
	return allowed, nil
}

// SetWhitelisted toggles the deposit whitelist membership for an address.
func (m *Manager) SetWhitelisted(addr crypto.Address, allowed bool) error {
	if !allowed {
		err := m.db.Delete(whitelistKey(addr))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return m.put(whitelistKey(addr), true)
}
