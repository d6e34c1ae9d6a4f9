package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"stakevault/core"
	nativecommon "stakevault/native/common"
	"stakevault/native/vault"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError         = -32700
	codeInvalidRequest     = -32600
	codeMethodNotFound     = -32601
	codeInvalidParams      = -32602
	codeServerError        = -32000
	codeUnauthorized       = -32001
	codeCapabilityRequired = -32011
	codePreconditionFailed = -32012
	codeInvariantViolation = -32013
	codeModulePaused       = -32014
	codeRateLimited        = -32020
)

// Server exposes the vault node over JSON-RPC. Mutating methods require the
// configured bearer token; queries are open.
type Server struct {
	node      *core.Node
	authToken string
	limiter   *rate.Limiter
	log       *slog.Logger
}

// NewServer wires a JSON-RPC server over the node. ratePerSecond bounds the
// aggregate request rate; zero disables limiting.
func NewServer(node *core.Node, authToken string, ratePerSecond int, log *slog.Logger) *Server {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond*2)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		node:      node,
		authToken: strings.TrimSpace(authToken),
		limiter:   limiter,
		log:       log,
	}
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Start serves RPC traffic on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// writeVaultError translates engine sentinel errors into JSON-RPC error
// codes so clients can branch without string matching.
func writeVaultError(w http.ResponseWriter, id interface{}, err error) {
	code := codeServerError
	status := http.StatusOK
	switch {
	case errors.Is(err, vault.ErrRewarderRequired),
		errors.Is(err, vault.ErrBorrowerRequired),
		errors.Is(err, vault.ErrAdminRequired):
		code = codeCapabilityRequired
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrIntakePaused),
		errors.Is(err, vault.ErrNotWhitelisted),
		errors.Is(err, vault.ErrCatchUpRequired),
		errors.Is(err, vault.ErrNoPosition),
		errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, vault.ErrInsufficientAllowance),
		errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, vault.ErrCollateralLocked),
		errors.Is(err, vault.ErrEmergencyDisabled):
		code = codePreconditionFailed
	case errors.Is(err, vault.ErrBorrowExceedsStake),
		errors.Is(err, vault.ErrLiquidationExceedsStake),
		errors.Is(err, vault.ErrPendingClaimMismatch),
		errors.Is(err, vault.ErrStakingAggregateMismatch):
		code = codeInvariantViolation
	case errors.Is(err, nativecommon.ErrModulePaused):
		code = codeModulePaused
	}
	writeError(w, status, id, code, err.Error(), nil)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "too many requests", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	requestID := uuid.NewString()
	s.log.Debug("rpc request", "method", req.Method, "requestId", requestID, "remote", r.RemoteAddr)

	switch req.Method {
	// Mutating methods, bearer token required.
	case "vault_appendSample":
		s.authed(w, r, req, s.handleAppendSample)
	case "vault_claim":
		s.authed(w, r, req, s.handleClaim)
	case "vault_deposit":
		s.authed(w, r, req, s.handleDeposit)
	case "vault_withdraw":
		s.authed(w, r, req, s.handleWithdraw)
	case "vault_transfer":
		s.authed(w, r, req, s.handleTransfer)
	case "vault_approve":
		s.authed(w, r, req, s.handleApprove)
	case "vault_borrow":
		s.authed(w, r, req, s.handleBorrow)
	case "vault_returnBorrow":
		s.authed(w, r, req, s.handleReturnBorrow)
	case "vault_liquidateBorrow":
		s.authed(w, r, req, s.handleLiquidateBorrow)
	case "vault_emergencyWithdraw":
		s.authed(w, r, req, s.handleEmergencyWithdraw)
	case "vault_emergencyWithdrawRewards":
		s.authed(w, r, req, s.handleEmergencyWithdrawRewards)
	case "vault_mint":
		s.authed(w, r, req, s.handleMint)
	case "vault_grantRole":
		s.authed(w, r, req, s.handleGrantRole)
	case "vault_revokeRole":
		s.authed(w, r, req, s.handleRevokeRole)
	case "vault_setWhitelisted":
		s.authed(w, r, req, s.handleSetWhitelisted)
	case "vault_setPausedIntake":
		s.authed(w, r, req, s.handleSetPausedIntake)
	case "vault_setRequireWhitelist":
		s.authed(w, r, req, s.handleSetRequireWhitelist)
	case "vault_setEmergencyEnabled":
		s.authed(w, r, req, s.handleSetEmergencyEnabled)
	case "vault_setModulePaused":
		s.authed(w, r, req, s.handleSetModulePaused)
	case "vault_updateParams":
		s.authed(w, r, req, s.handleUpdateParams)

	// Query methods, open.
	case "vault_getBalance":
		s.handleGetBalance(w, r, req)
	case "vault_getVotingPower":
		s.handleGetVotingPower(w, r, req)
	case "vault_getClaimable":
		s.handleGetClaimable(w, r, req)
	case "vault_getPoolInfo":
		s.handleGetPoolInfo(w, r, req)
	case "vault_getSample":
		s.handleGetSample(w, r, req)
	case "vault_getActualRewards":
		s.handleGetActualRewards(w, r, req)
	case "vault_getParams":
		s.handleGetParams(w, r, req)
	case "vault_getRoleMembers":
		s.handleGetRoleMembers(w, r, req)
	case "vault_getEvents":
		s.handleGetEvents(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) authed(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}
