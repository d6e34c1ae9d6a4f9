package rpc

import (
	"math/big"
	"net/http"
	"strings"

	"stakevault/crypto"
	"stakevault/native/vault"
)

func (s *Server) handleAppendSample(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params appendSampleParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	reward, err := parseAmount(params.Reward)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	index, err := s.node.AppendSample(caller, reward)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, appendSampleResult{Index: index})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params claimParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	claimed, end, err := s.node.Claim(caller, params.PageSize)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, claimResult{Claimed: claimed.String(), EndIndex: end})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params depositParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	beneficiary := caller
	if strings.TrimSpace(params.Beneficiary) != "" {
		beneficiary, err = parseAddress(params.Beneficiary, "beneficiary")
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.Deposit(caller, beneficiary, amount, params.PageSize); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params withdrawParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	transferred, err := s.node.Withdraw(caller, amount, params.PageSize, params.Force)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, withdrawResult{Transferred: transferred.String()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params transferParams
	if !decodeParams(w, req, &params) {
		return
	}
	from, err := parseAddress(params.From, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	to, err := parseAddress(params.To, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.Transfer(from, to, amount, params.PageSize); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params approveParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := parseAddress(params.Owner, "owner")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	spender, err := parseAddress(params.Spender, "spender")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.Approve(owner, spender, amount); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

// handleBorrowOp parses the shared user/spender/amount triple and runs one of
// the borrow-family operations.
func (s *Server) handleBorrowOp(w http.ResponseWriter, req *RPCRequest, op func(user, spender crypto.Address, amount *big.Int) error) {
	var params borrowParams
	if !decodeParams(w, req, &params) {
		return
	}
	user, err := parseAddress(params.User, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	spender, err := parseAddress(params.Spender, "spender")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := op(user, spender, amount); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleBorrowOp(w, req, s.node.Borrow)
}

func (s *Server) handleReturnBorrow(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleBorrowOp(w, req, s.node.ReturnBorrow)
}

func (s *Server) handleLiquidateBorrow(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleBorrowOp(w, req, s.node.LiquidateBorrow)
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params emergencyWithdrawParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	released, err := s.node.EmergencyWithdraw(caller)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, emergencyWithdrawResult{Released: released.String()})
}

func (s *Server) handleEmergencyWithdrawRewards(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params sweepRewardsParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	recipient, err := parseAddress(params.Recipient, "recipient")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	swept, err := s.node.EmergencyWithdrawRewards(caller, recipient)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, sweepRewardsResult{Swept: swept.String()})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params mintParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	recipient, err := parseAddress(params.Recipient, "recipient")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.Mint(caller, recipient, amount); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRoleChange(w http.ResponseWriter, req *RPCRequest, op func(caller crypto.Address, role string, addr crypto.Address) error) {
	var params roleParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	role := strings.TrimSpace(params.Role)
	if role == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "role is required", nil)
		return
	}
	if err := op(caller, role, addr); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleRoleChange(w, req, s.node.GrantRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleRoleChange(w, req, s.node.RevokeRole)
}

func (s *Server) handleSwitch(w http.ResponseWriter, req *RPCRequest, op func(caller crypto.Address, enabled bool) error) {
	var params switchParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := op(caller, params.Enabled); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSetWhitelisted(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params whitelistParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.SetWhitelisted(caller, addr, params.Allowed); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSetPausedIntake(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSwitch(w, req, s.node.SetPausedIntake)
}

func (s *Server) handleSetRequireWhitelist(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSwitch(w, req, s.node.SetRequireWhitelist)
}

func (s *Server) handleSetEmergencyEnabled(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSwitch(w, req, s.node.SetEmergencyEnabled)
}

func (s *Server) handleSetModulePaused(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params modulePauseParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	module := strings.TrimSpace(params.Module)
	if module == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "module is required", nil)
		return
	}
	if err := s.node.SetModulePaused(caller, module, params.Paused); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params updateParamsParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	next := vault.Params{
		WithdrawFeeBps:      params.WithdrawFeeBps,
		NoFeeWindowSeconds:  params.NoFeeWindowSeconds,
		BorrowClaimPageSize: params.BorrowClaimPageSize,
	}
	if strings.TrimSpace(params.FeeRecipient) != "" {
		recipient, err := parseAddress(params.FeeRecipient, "feeRecipient")
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		next.FeeRecipient = recipient
	}
	if err := s.node.UpdateParams(caller, next); err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}
