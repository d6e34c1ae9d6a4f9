package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"stakevault/crypto"
)

func parseAddress(value, field string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%s is required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s: %v", field, err)
	}
	return addr, nil
}

func parseAmount(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	return value, nil
}

// decodeParams unpacks the single parameter object every vault method takes.
func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return false
	}
	return true
}

type appendSampleParams struct {
	Caller string `json:"caller"`
	Reward string `json:"reward"`
}

type appendSampleResult struct {
	Index uint64 `json:"index"`
}

type claimParams struct {
	Caller   string `json:"caller"`
	PageSize uint64 `json:"pageSize"`
}

type claimResult struct {
	Claimed  string `json:"claimed"`
	EndIndex int64  `json:"endIndex"`
}

type depositParams struct {
	Caller      string `json:"caller"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Amount      string `json:"amount"`
	PageSize    uint64 `json:"pageSize"`
}

type withdrawParams struct {
	Caller   string `json:"caller"`
	Amount   string `json:"amount"`
	PageSize uint64 `json:"pageSize"`
	Force    bool   `json:"force,omitempty"`
}

type withdrawResult struct {
	Transferred string `json:"transferred"`
}

type transferParams struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	PageSize uint64 `json:"pageSize"`
}

type approveParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type borrowParams struct {
	User    string `json:"user"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type emergencyWithdrawParams struct {
	Caller string `json:"caller"`
}

type emergencyWithdrawResult struct {
	Released string `json:"released"`
}

type sweepRewardsParams struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

type sweepRewardsResult struct {
	Swept string `json:"swept"`
}

type mintParams struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type roleParams struct {
	Caller  string `json:"caller"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

type whitelistParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

type switchParams struct {
	Caller  string `json:"caller"`
	Enabled bool   `json:"enabled"`
}

type modulePauseParams struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type updateParamsParams struct {
	Caller              string `json:"caller"`
	WithdrawFeeBps      uint64 `json:"withdrawFeeBps"`
	NoFeeWindowSeconds  uint64 `json:"noFeeWindowSeconds"`
	FeeRecipient        string `json:"feeRecipient,omitempty"`
	BorrowClaimPageSize uint64 `json:"borrowClaimPageSize"`
}

type addressParams struct {
	Address string `json:"address"`
}

type claimableParams struct {
	Address  string `json:"address"`
	PageSize uint64 `json:"pageSize"`
}

type balanceResult struct {
	Address             string `json:"address"`
	StakedPlusClaimable string `json:"stakedPlusClaimable"`
	Withdrawable        string `json:"withdrawable"`
	Borrowed            string `json:"borrowed"`
	AccountBalance      string `json:"accountBalance"`
}

type votingPowerResult struct {
	Address     string `json:"address"`
	VotingPower string `json:"votingPower"`
}

type poolInfoResult struct {
	TotalStaking      string `json:"totalStaking"`
	TotalPendingClaim string `json:"totalPendingClaim"`
	TotalBorrowed     string `json:"totalBorrowed"`
	TVL               string `json:"tvl"`
	SampleCount       uint64 `json:"sampleCount"`
	PausedIntake      bool   `json:"pausedIntake"`
	RequireWhitelist  bool   `json:"requireWhitelist"`
	EmergencyEnabled  bool   `json:"emergencyEnabled"`
}

type sampleParams struct {
	Index uint64 `json:"index"`
}

type sampleResult struct {
	Index     uint64 `json:"index"`
	Timestamp uint64 `json:"timestamp"`
	Reward    string `json:"reward"`
	TVL       string `json:"tvl"`
}

type actualRewardsResult struct {
	Reward string `json:"reward"`
}

type paramsResult struct {
	WithdrawFeeBps      uint64 `json:"withdrawFeeBps"`
	NoFeeWindowSeconds  uint64 `json:"noFeeWindowSeconds"`
	FeeRecipient        string `json:"feeRecipient,omitempty"`
	BorrowClaimPageSize uint64 `json:"borrowClaimPageSize"`
}

type roleMembersParams struct {
	Role string `json:"role"`
}

type roleMembersResult struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

type eventsParams struct {
	Since uint64 `json:"since,omitempty"`
}

type eventResult struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
