package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/dray-io/scavd/internal/auth"
	"github.com/dray-io/scavd/internal/logging"
	"github.com/dray-io/scavd/internal/scavenge"
	"github.com/dray-io/scavd/internal/scavenge/runlog"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

// Controller accepts scavenge control requests. *scavenge.Coordinator
// implements it.
type Controller interface {
	HandleStart(req scavenge.StartRequest)
	HandleStop(req scavenge.StopRequest)
	HandleStatus(req scavenge.StatusRequest)
}

// RunHistory serves persisted run records. *runlog.Manager implements it.
type RunHistory interface {
	List(ctx context.Context, limit int) ([]runlog.Record, error)
	Get(ctx context.Context, id string) (runlog.Record, error)
}

// Authenticator resolves Basic credentials to a principal.
type Authenticator interface {
	Authenticate(user, password string) (*auth.Principal, error)
}

// AdminConfig wires an AdminHandler.
type AdminConfig struct {
	Controller    Controller
	History       RunHistory
	Authenticator Authenticator
	// Authorizer guards the run history endpoints.
	Authorizer scavenge.Authorizer
	Logger     *logging.Logger
}

// AdminHandler serves the scavenge admin API under /admin/.
type AdminHandler struct {
	ctrl    Controller
	history RunHistory
	authn   Authenticator
	authz   scavenge.Authorizer
	logger  *logging.Logger
	mux     *http.ServeMux
}

// ScavengeResponse is the JSON body of every control endpoint.
type ScavengeResponse struct {
	CorrelationID string  `json:"correlationId"`
	Result        string  `json:"result"`
	ScavengeID    *string `json:"scavengeId"`
	Reason        string  `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewAdminHandler builds the admin API.
func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	a := &AdminHandler{
		ctrl:    cfg.Controller,
		history: cfg.History,
		authn:   cfg.Authenticator,
		authz:   cfg.Authorizer,
		logger:  logger.With(map[string]any{"component": "admin"}),
		mux:     http.NewServeMux(),
	}
	a.mux.HandleFunc("POST /admin/scavenge", a.handleStart)
	a.mux.HandleFunc("DELETE /admin/scavenge/{id}", a.handleStop)
	a.mux.HandleFunc("GET /admin/scavenge/current", a.handleStatus)
	a.mux.HandleFunc("GET /admin/scavenge/runs", a.handleListRuns)
	a.mux.HandleFunc("GET /admin/scavenge/runs/{id}", a.handleGetRun)
	return a
}

// Handler returns the API with gzip response compression.
func (a *AdminHandler) Handler() http.Handler {
	return gzhttp.GzipHandler(a)
}

// ServeHTTP assigns the correlation id, resolves the caller and puts both,
// with a request logger, on the request context before routing.
func (a *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID, err := uuid.Parse(r.Header.Get(CorrelationHeader))
	if err != nil {
		correlationID = uuid.New()
	}
	w.Header().Set(CorrelationHeader, correlationID.String())

	ctx := logging.WithCorrelationIDCtx(r.Context(), correlationID.String())
	ctx = logging.WithLoggerCtx(ctx, a.logger.With(map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
	}))
	r = r.WithContext(ctx)

	p, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	a.mux.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, p)))
}

// authenticate resolves Basic credentials. No credentials yields a nil
// principal; bad credentials are rejected here with 401.
func (a *AdminHandler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	user, password, ok := r.BasicAuth()
	if !ok || a.authn == nil {
		return nil, true
	}
	p, err := a.authn.Authenticate(user, password)
	if err != nil {
		logging.FromCtx(r.Context()).Warnf("admin authentication failed", map[string]any{"user": user})
		w.Header().Set("WWW-Authenticate", `Basic realm="scavd"`)
		writeJSON(w, http.StatusUnauthorized, ScavengeResponse{
			CorrelationID: logging.CorrelationIDFromCtx(r.Context()),
			Result:        "Unauthorized",
			Reason:        scavenge.ReasonUnauthorized,
		})
		return nil, false
	}
	return p, true
}

// caller returns the identity ServeHTTP attached to r.
func caller(r *http.Request) (*auth.Principal, uuid.UUID) {
	id, _ := uuid.Parse(logging.CorrelationIDFromCtx(r.Context()))
	return auth.PrincipalFromContext(r.Context()), id
}

func (a *AdminHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	user, correlationID := caller(r)
	startFrom, err := intParam(r, "startFromChunk")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	threads, err := intParam(r, "threads")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	env := make(scavenge.ChanEnvelope, 1)
	a.ctrl.HandleStart(scavenge.StartRequest{
		CorrelationID:  correlationID,
		User:           user,
		Envelope:       env,
		StartFromChunk: startFrom,
		Threads:        threads,
	})
	a.await(w, r, env)
}

func (a *AdminHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	user, correlationID := caller(r)
	env := make(scavenge.ChanEnvelope, 1)
	a.ctrl.HandleStop(scavenge.StopRequest{
		CorrelationID: correlationID,
		User:          user,
		Envelope:      env,
		ScavengeID:    r.PathValue("id"),
	})
	a.await(w, r, env)
}

func (a *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	user, correlationID := caller(r)
	env := make(scavenge.ChanEnvelope, 1)
	a.ctrl.HandleStatus(scavenge.StatusRequest{CorrelationID: correlationID, User: user, Envelope: env})
	a.await(w, r, env)
}

// await writes the coordinator's reply. If the client goes away first the
// reply lands in the buffered envelope and is dropped.
func (a *AdminHandler) await(w http.ResponseWriter, r *http.Request, env scavenge.ChanEnvelope) {
	select {
	case resp := <-env:
		code, body := toHTTP(resp)
		writeJSON(w, code, body)
	case <-r.Context().Done():
		logging.FromCtx(r.Context()).Debugf("admin client went away before reply", map[string]any{
			"error": r.Context().Err(),
		})
	}
}

func (a *AdminHandler) authorizeHistory(w http.ResponseWriter, r *http.Request) bool {
	user, correlationID := caller(r)
	if a.authz != nil && !a.authz.IsAllowed(user) {
		writeJSON(w, http.StatusUnauthorized, ScavengeResponse{
			CorrelationID: correlationID.String(),
			Result:        "Unauthorized",
			Reason:        scavenge.ReasonUnauthorized,
		})
		return false
	}
	if a.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "run history not configured"})
		return false
	}
	return true
}

func (a *AdminHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !a.authorizeHistory(w, r) {
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	records, err := a.history.List(r.Context(), limit)
	if err != nil {
		logging.FromCtx(r.Context()).Errorf("list scavenge runs failed", map[string]any{"error": err})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if records == nil {
		records = []runlog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *AdminHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !a.authorizeHistory(w, r) {
		return
	}
	rec, err := a.history.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, runlog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		logging.FromCtx(r.Context()).Errorf("get scavenge run failed", map[string]any{"error": err})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// toHTTP maps a coordinator reply to a status code and body.
func toHTTP(resp scavenge.Response) (int, ScavengeResponse) {
	body := ScavengeResponse{CorrelationID: resp.Correlation().String()}
	switch v := resp.(type) {
	case scavenge.Started:
		id := v.ScavengeID
		body.Result, body.ScavengeID = "Started", &id
		return http.StatusOK, body
	case scavenge.InProgress:
		id := v.ScavengeID
		body.Result, body.ScavengeID, body.Reason = "InProgress", &id, v.Reason
		return http.StatusConflict, body
	case scavenge.Stopped:
		body.Result, body.ScavengeID = "Stopped", v.ScavengeID
		return http.StatusOK, body
	case scavenge.NotFound:
		body.Result, body.ScavengeID, body.Reason = "NotFound", v.ScavengeID, v.Reason
		return http.StatusNotFound, body
	case scavenge.Unauthorized:
		body.Result, body.ScavengeID, body.Reason = "Unauthorized", v.ScavengeID, v.Reason
		return http.StatusUnauthorized, body
	case scavenge.StartFailed:
		body.Result, body.Reason = "StartFailed", v.Reason
		if v.Reason == scavenge.ReasonShuttingDown {
			return http.StatusServiceUnavailable, body
		}
		return http.StatusInternalServerError, body
	case scavenge.InvalidRequest:
		body.Result, body.Reason = "InvalidRequest", v.Reason
		return http.StatusBadRequest, body
	case scavenge.Status:
		body.Result, body.ScavengeID = string(v.Result), v.ScavengeID
		return http.StatusOK, body
	default:
		body.Result = "Unknown"
		return http.StatusInternalServerError, body
	}
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
