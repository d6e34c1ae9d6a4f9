package rpc

import (
	"net/http"
	"strings"
)

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	balance, err := s.node.UserBalance(addr)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	account, err := s.node.Balance(addr)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address:             addr.String(),
		StakedPlusClaimable: balance.StakedPlusClaimable.String(),
		Withdrawable:        balance.Withdrawable.String(),
		Borrowed:            balance.Borrowed.String(),
		AccountBalance:      account.String(),
	})
}

func (s *Server) handleGetVotingPower(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	power, err := s.node.VotingPower(addr)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, votingPowerResult{Address: addr.String(), VotingPower: power.String()})
}

func (s *Server) handleGetClaimable(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params claimableParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	claimable, end, err := s.node.Claimable(addr, params.PageSize)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, claimResult{Claimed: claimable.String(), EndIndex: end})
}

func (s *Server) handleGetPoolInfo(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	info, err := s.node.PoolInfo()
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, poolInfoResult{
		TotalStaking:      info.TotalStaking.String(),
		TotalPendingClaim: info.TotalPendingClaim.String(),
		TotalBorrowed:     info.TotalBorrowed.String(),
		TVL:               info.TVL.String(),
		SampleCount:       info.SampleCount,
		PausedIntake:      info.PausedIntake,
		RequireWhitelist:  info.RequireWhitelist,
		EmergencyEnabled:  info.EmergencyEnabled,
	})
}

func (s *Server) handleGetSample(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params sampleParams
	if !decodeParams(w, req, &params) {
		return
	}
	sample, err := s.node.SampleAt(params.Index)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, sampleResult{
		Index:     params.Index,
		Timestamp: sample.Timestamp,
		Reward:    sample.Reward.String(),
		TVL:       sample.TVL.String(),
	})
}

func (s *Server) handleGetActualRewards(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	reward, err := s.node.ActualRewards()
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, actualRewardsResult{Reward: reward.String()})
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := s.node.Params()
	result := paramsResult{
		WithdrawFeeBps:      params.WithdrawFeeBps,
		NoFeeWindowSeconds:  params.NoFeeWindowSeconds,
		BorrowClaimPageSize: params.BorrowClaimPageSize,
	}
	if !params.FeeRecipient.IsZero() {
		result.FeeRecipient = params.FeeRecipient.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleGetRoleMembers(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params roleMembersParams
	if !decodeParams(w, req, &params) {
		return
	}
	role := strings.TrimSpace(params.Role)
	if role == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "role is required", nil)
		return
	}
	members, err := s.node.RoleMembers(role)
	if err != nil {
		writeVaultError(w, req.ID, err)
		return
	}
	encoded := make([]string, 0, len(members))
	for _, member := range members {
		encoded = append(encoded, member.String())
	}
	writeResult(w, req.ID, roleMembersResult{Role: role, Members: encoded})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params eventsParams
	if len(req.Params) > 0 && !decodeParams(w, req, &params) {
		return
	}
	records := s.node.Events(params.Since)
	out := make([]eventResult, 0, len(records))
	for _, rec := range records {
		out = append(out, eventResult{
			Sequence:   rec.Sequence,
			Type:       rec.Event.Type,
			Attributes: rec.Event.Attributes,
		})
	}
	writeResult(w, req.ID, out)
}
