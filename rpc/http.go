package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagesale/native/sale"
	"stagesale/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxTxPerWindow  = 10
	authTokenEnv    = "STAGESALE_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeConflict       = -32010
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the sale engine over JSON-RPC 2.0. Purchase and admin
// methods require a bearer token; query methods are open.
type Server struct {
	engine *sale.Engine
	store  ReceiptStore
	log    *slog.Logger

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
}

// ReceiptStore resolves persisted purchase receipts by identifier.
type ReceiptStore interface {
	ReceiptGet(id string) (*sale.Receipt, bool, error)
}

// NewServer constructs an RPC server bound to the sale engine. The auth token
// is read from the STAGESALE_RPC_TOKEN environment variable.
func NewServer(engine *sale.Engine, store ReceiptStore) *Server {
	token := strings.TrimSpace(os.Getenv(authTokenEnv))
	return &Server{
		engine:       engine,
		store:        store,
		log:          slog.Default(),
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    token,
	}
}

// Start serves JSON-RPC on addr until the listener fails. Prometheus metrics
// are exposed on /metrics alongside the RPC endpoint.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("starting JSON-RPC server", "addr", addr)
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := s.dispatch(recorder, r)
	observability.RPCMetrics().Observe(method, recorder.status, time.Since(started))
}

// dispatch processes one request and returns the method name for metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

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
		return "unknown"
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return "unknown"
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return "unknown"
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return req.Method
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return "unknown"
	}

	switch req.Method {
	case "sale_status":
		s.handleStatus(w, r, req)
	case "sale_currentRate":
		s.handleCurrentRate(w, r, req)
	case "sale_getReceipt":
		s.handleGetReceipt(w, r, req)
	case "sale_isPaymentTokenAccepted":
		s.handleIsPaymentTokenAccepted(w, r, req)
	case "sale_purchaseNative":
		if !s.authAndThrottle(w, r, req) {
			return req.Method
		}
		s.handlePurchaseNative(w, r, req)
	case "sale_purchaseWithToken":
		if !s.authAndThrottle(w, r, req) {
			return req.Method
		}
		s.handlePurchaseWithToken(w, r, req)
	case "sale_addStage":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleAddStage(w, r, req)
	case "sale_advanceStage":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleAdvanceStage(w, r, req)
	case "sale_pause":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handlePause(w, r, req)
	case "sale_unpause":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleUnpause(w, r, req)
	case "sale_finalize":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleFinalize(w, r, req)
	case "sale_updateEndTime":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleUpdateEndTime(w, r, req)
	case "sale_updateMaxPurchase":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleUpdateMaxPurchase(w, r, req)
	case "sale_registerPaymentToken":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleRegisterPaymentToken(w, r, req)
	case "sale_enablePaymentToken":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleEnablePaymentToken(w, r, req)
	case "sale_disablePaymentToken":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleDisablePaymentToken(w, r, req)
	case "sale_withdrawNative":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleWithdrawNative(w, r, req)
	case "sale_withdrawTokens":
		if !s.authorize(w, r, req) {
			return req.Method
		}
		s.handleWithdrawTokens(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
	return req.Method
}

func (s *Server) authAndThrottle(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if !s.authorize(w, r, req) {
		return false
	}
	if !s.allowSource(clientSource(r), time.Now()) {
		observability.RPCMetrics().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return false
	}
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	return true
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

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxTxPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
