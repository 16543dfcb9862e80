package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"lienchain/native/debttoken"
	"lienchain/native/loan"
	"lienchain/observability"
	"lienchain/storage"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32004
	codeRateLimited    = -32020
)

// Server exposes the lifecycle engine, debt tokenizer and record store over a
// JSON-RPC surface mounted on a chi router.
type Server struct {
	engine    *loan.Engine
	tokenizer *debttoken.Tokenizer
	store     *storage.Store
	hub       *EventHub
	log       *slog.Logger
	jwtSecret []byte

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

// NewServer builds an RPC server. The JWT secret guards mutating methods; an
// empty secret rejects every mutation.
func NewServer(engine *loan.Engine, tokenizer *debttoken.Tokenizer, store *storage.Store, hub *EventHub, log *slog.Logger, jwtSecret []byte, ratePerMinute int) *Server {
	if log == nil {
		log = slog.Default()
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 600
	}
	return &Server{
		engine:    engine,
		tokenizer: tokenizer,
		store:     store,
		hub:       hub,
		log:       log,
		jwtSecret: jwtSecret,
		limiters:  make(map[string]*rate.Limiter),
		perMin:    ratePerMinute,
	}
}

// Router assembles the HTTP surface: the JSON-RPC endpoint, the Prometheus
// scrape endpoint, the websocket event stream and a health probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.Post("/", s.handle)
	return r
}

// Start serves the router on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
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

// writeEngineError maps engine failures onto JSON-RPC error codes.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, loan.ErrLoanNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, loan.ErrUnauthorized),
		errors.Is(err, loan.ErrNotCollateralOwner),
		errors.Is(err, debttoken.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeUnauthorized, err.Error(), nil)
	case errors.Is(err, loan.ErrInvalidTransition),
		errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, loan.ErrInvalidProposal),
		errors.Is(err, loan.ErrBadSignature),
		errors.Is(err, loan.ErrTermsExpired),
		errors.Is(err, loan.ErrFieldOverflow),
		errors.Is(err, loan.ErrTermsReservedBits),
		errors.Is(err, loan.ErrUnknownTermField),
		errors.Is(err, loan.ErrLenderAlreadySet),
		errors.Is(err, loan.ErrCollateralUnavailable),
		errors.Is(err, loan.ErrAlreadySatisfied),
		errors.Is(err, loan.ErrInsufficientFunds),
		errors.Is(err, loan.ErrPaymentFailed),
		errors.Is(err, loan.ErrBalanceUpdateDenied),
		errors.Is(err, loan.ErrMaturityCheckState),
		errors.Is(err, loan.ErrSelfWithdrawal),
		errors.Is(err, debttoken.ErrNotConfigured),
		errors.Is(err, debttoken.ErrMintTimelocked),
		errors.Is(err, debttoken.ErrAlreadyIssued):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

func (s *Server) allowSource(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(s.perMin)/60.0), s.perMin)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
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

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	source := clientSource(r)
	if !s.allowSource(source) {
		observability.ModuleMetrics().Throttle("rpc", "rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "request rate limit exceeded", source)
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

	recorder := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	s.dispatch(recorder, r, req)
	observability.ModuleMetrics().Observe("rpc", req.Method, recorder.Status(), time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "loan_propose":
		s.authenticated(w, r, req, s.handleLoanPropose)
	case "loan_withdrawCollateral":
		s.authenticated(w, r, req, s.handleLoanWithdrawCollateral)
	case "loan_fund":
		s.authenticated(w, r, req, s.handleLoanFund)
	case "loan_updateBalance":
		s.handleLoanUpdateBalance(w, r, req)
	case "loan_makePayment":
		s.authenticated(w, r, req, s.handleLoanMakePayment)
	case "loan_assessMaturity":
		s.authenticated(w, r, req, s.handleLoanAssessMaturity)
	case "loan_withdrawFunds":
		s.authenticated(w, r, req, s.handleLoanWithdrawFunds)
	case "loan_updateTerms":
		s.authenticated(w, r, req, s.handleLoanUpdateTerms)
	case "loan_startCollection":
		s.authenticated(w, r, req, s.handleLoanStartCollection)
	case "loan_startAuction":
		s.authenticated(w, r, req, s.handleLoanStartAuction)
	case "loan_award":
		s.authenticated(w, r, req, s.handleLoanAward)
	case "loan_close":
		s.authenticated(w, r, req, s.handleLoanClose)
	case "loan_get":
		s.handleLoanGet(w, r, req)
	case "loan_list":
		s.handleLoanList(w, r, req)
	case "debttoken_issue":
		s.authenticated(w, r, req, s.handleDebtTokenIssue)
	case "debttoken_get":
		s.handleDebtTokenGet(w, r, req)
	case "lien_getAccount":
		s.handleGetAccount(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func (s *Server) authenticated(w http.ResponseWriter, r *http.Request, req *RPCRequest, next func(http.ResponseWriter, *http.Request, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}
