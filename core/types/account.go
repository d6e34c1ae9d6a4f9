package types

import "math/big"

// Account holds the underlying asset balance for an address. The vault engine
// moves balances between participant accounts and the pool treasury account
// through the state interface; transfers are all-or-nothing.
type Account struct {
	Balance *big.Int
	Nonce   uint64
}

// NewAccount returns an account with a zero balance.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}
