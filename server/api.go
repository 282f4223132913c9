package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/persistence"
)

// DefaultRunTimeout bounds a synchronous run requested over HTTP.
const DefaultRunTimeout = 15 * time.Minute

// APIServer exposes the test service over HTTP.
type APIServer struct {
	Service *Service
	Logger  *zap.Logger
	// RunTimeout bounds synchronous runs; zero uses DefaultRunTimeout.
	RunTimeout time.Duration
}

// APIResponse is the envelope of every HTTP response.
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CallRequest sends a raw method to one engine.
type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Serve starts listening on the provided address.
func (s *APIServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext allows the caller to control shutdown via context cancellation.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger().Info("API listening", zap.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler returns the routed API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/tests", s.handleRun)
	mux.HandleFunc("GET /api/tests", s.handleList)
	mux.HandleFunc("GET /api/tests/{id}", s.handleGet)
	mux.HandleFunc("POST /api/tests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/tools/{kind}/call", s.handleCall)
	mux.HandleFunc("GET /api/tools/status", s.handleCheck)
	mux.HandleFunc("GET /api/processes", s.handleProcesses)
	return mux
}

func (s *APIServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRun submits a test; ?wait=true runs it to completion first.
func (s *APIServer) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		timeout := s.RunTimeout
		if timeout <= 0 {
			timeout = DefaultRunTimeout
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		result, err := s.Service.Run(ctx, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	result, err := s.Service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *APIServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := persistence.ListOptions{
		TestType: q.Get("type"),
		Status:   persistence.ResultStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		opts.Limit = limit
	}
	results, err := s.Service.Results(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []persistence.TestResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *APIServer) handleGet(w http.ResponseWriter, r *http.Request) {
	result, err := s.Service.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *APIServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Service.Cancel(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(persistence.ResultStatusCancelled)})
}

func (s *APIServer) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.Service.Call(r.Context(), r.PathValue("kind"), req.Method, req.Params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *APIServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Service.Check(r.Context()))
}

func (s *APIServer) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Service.Processes())
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var cmdErr *framework.CommandError
	switch {
	case errors.Is(err, persistence.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownTestType):
		return http.StatusBadRequest
	case errors.Is(err, framework.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, framework.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &cmdErr), errors.Is(err, framework.ErrStartTimeout):
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := APIResponse{Success: status < 400, Data: data, Timestamp: time.Now().UTC()}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err.Error(), Timestamp: time.Now().UTC()})
}
