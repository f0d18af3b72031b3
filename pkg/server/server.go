// Package server exposes the capability engine over the node's HTTP
// surface: version and health probes, peer bootstrap, delegation submission,
// and invocation dispatch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/envelope"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Protocol gates client compatibility; clients match it exactly.
const Protocol = 1

// Version is the node software version advertised at /version.
const Version = "0.3.0"

// Features advertised at /version.
var Features = []string{
	capability.ServiceKV,
	capability.ServiceCapabilities,
	capability.ServiceDelegation,
}

// Server is the HTTP front of the capability engine.
type Server struct {
	cfg    *Config
	logger *slog.Logger
	sem    *semaphore.Weighted
	mux    *http.ServeMux
}

// New creates a server from options.
func New(opts ...Option) (*Server, error) {
	cfg := applyOptions(opts...)
	if cfg.EventLog == nil {
		return nil, errors.New("event log is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.HostKeys == nil {
		return nil, errors.New("host key deriver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /peer/generate/{space...}", s.handlePeerGenerate)
	s.mux.HandleFunc("POST /delegate", s.guarded(s.handleDelegate))
	s.mux.HandleFunc("POST /invoke", s.guarded(s.handleInvoke))
	return s, nil
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// guarded applies backpressure and the per-request deadline.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sem.TryAcquire(1) {
			s.writeError(w, tcerr.New(tcerr.KindTransient, "server at capacity"))
			return
		}
		defer s.sem.Release(1)

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"protocol": Protocol,
		"version":  Version,
		"features": Features,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePeerGenerate(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("space")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	space, err := capability.ParseSpaceID(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	peerDID, err := s.cfg.HostKeys.PeerDID(space)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, peerDID)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	env, err := s.parseAuthorization(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.cfg.EventLog.ApplyDelegation(r.Context(), env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cid": cidutil.Format(c)})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	env, err := s.parseAuthorization(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body []byte
	if r.ContentLength != 0 {
		body, err = io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
		if err != nil {
			s.writeError(w, tcerr.Wrap(tcerr.KindTransient, err, "read request body"))
			return
		}
		if int64(len(body)) > s.cfg.MaxBodyBytes {
			s.writeError(w, tcerr.New(tcerr.KindQuotaExceeded, "body exceeds %d bytes", s.cfg.MaxBodyBytes))
			return
		}
	}

	res, err := s.cfg.Dispatcher.Handle(r.Context(), env, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

func (s *Server) parseAuthorization(r *http.Request) (*envelope.Envelope, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "missing Authorization header")
	}
	return envelope.Parse(auth)
}

// errorBody is the JSON envelope wrapped around failures.
type errorBody struct {
	Error   tcerr.Kind `json:"error"`
	Message string     `json:"message"`
	TraceID string     `json:"trace_id"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := tcerr.KindOf(err)
	traceID := uuid.NewString()
	status := tcerr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "trace_id", traceID, "error", err)
	} else {
		s.logger.Debug("request rejected", "kind", kind, "trace_id", traceID, "error", err)
	}
	writeJSON(w, status, errorBody{Error: kind, Message: err.Error(), TraceID: traceID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
