// Package api serves the ledger over HTTP and websocket.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/Artfain/uav-ledger/core"
	"github.com/Artfain/uav-ledger/metrics"
	"github.com/Artfain/uav-ledger/service"
)

const maxBodyBytes = 64 << 10

type Options struct {
	CORSOrigins []string
	// RateLimit is the sustained request rate allowed per client address; zero disables
	// limiting.
	RateLimit float64
	RateBurst int
	AccessLog io.Writer
}

type Server struct {
	svc     *service.Service
	hub     *Hub
	metrics *metrics.Metrics
	limiter *ipLimiter
	opts    Options
	log     *slog.Logger
}

func NewServer(svc *service.Service, hub *Hub, m *metrics.Metrics, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		svc:     svc,
		hub:     hub,
		metrics: m,
		opts:    opts,
		log:     log.With(slog.String("component", "api")),
	}
	if opts.RateLimit > 0 {
		s.limiter = newIPLimiter(opts.RateLimit, opts.RateBurst)
	}
	return s
}

// Router returns the bare route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", s.metrics.WrapHandler("/", http.HandlerFunc(s.root))).Methods(http.MethodGet)
	r.Handle("/health", s.route("/health", s.health)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		v1.Use(s.limiter.middleware)
	}
	v1.Handle("/blockchain/stats", s.route("/blockchain/stats", s.stats)).Methods(http.MethodGet)
	v1.Handle("/blockchain/blocks", s.route("/blockchain/blocks", s.blocks)).Methods(http.MethodGet)
	v1.Handle("/blockchain/blocks/{index}", s.route("/blockchain/blocks/{index}", s.block)).Methods(http.MethodGet)
	v1.Handle("/blockchain/verify", s.route("/blockchain/verify", s.verify)).Methods(http.MethodGet)
	if s.hub != nil {
		v1.HandleFunc("/blockchain/ws", s.hub.ServeWS).Methods(http.MethodGet)
	}
	v1.Handle("/uav/register", s.route("/uav/register", s.register)).Methods(http.MethodPost)
	v1.Handle("/uav/authenticate", s.route("/uav/authenticate", s.authenticate)).Methods(http.MethodPost)
	v1.Handle("/uav/status/{uav_id}", s.route("/uav/status/{uav_id}", s.status)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, service.Envelope{Message: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, service.Envelope{Message: "method not allowed"})
	})
	return r
}

// Handler wraps the router with CORS, access logging and panic recovery.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	if len(s.opts.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(h)
	}
	accessLog := s.opts.AccessLog
	if accessLog == nil {
		accessLog = os.Stdout
	}
	h = handlers.LoggingHandler(accessLog, h)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}))(h)
}

type envelopeFunc func(r *http.Request) (service.Envelope, error)

func (s *Server) route(name string, fn envelopeFunc) http.Handler {
	return s.metrics.WrapHandler(name, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, err := fn(r)
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		writeJSON(w, status, env)
	}))
}

const banner = "UAV Authentication System API is running..."

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, banner)
}

func (s *Server) health(*http.Request) (service.Envelope, error) {
	env, err := s.svc.Verify()
	if err != nil {
		return env, fmt.Errorf("%w: %w", errUnhealthy, err)
	}
	env.Message = "ok"
	return env, nil
}

func (s *Server) stats(*http.Request) (service.Envelope, error) {
	return s.svc.Stats(), nil
}

func (s *Server) blocks(r *http.Request) (service.Envelope, error) {
	q := r.URL.Query()
	from, err := queryInt(q.Get("from"), 0)
	if err != nil {
		return badRequest(err)
	}
	limit, err := queryInt(q.Get("limit"), service.DefaultPageSize)
	if err != nil {
		return badRequest(err)
	}
	return s.svc.Blocks(from, int(limit))
}

func (s *Server) block(r *http.Request) (service.Envelope, error) {
	index, err := strconv.ParseInt(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		return badRequest(fmt.Errorf("block index: %w", err))
	}
	return s.svc.Block(index)
}

// verify reports a failed audit in the body with a 200 status.
func (s *Server) verify(*http.Request) (service.Envelope, error) {
	env, _ := s.svc.Verify()
	return env, nil
}

func (s *Server) register(r *http.Request) (service.Envelope, error) {
	var req service.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		return badRequest(err)
	}
	return s.svc.Register(req)
}

func (s *Server) authenticate(r *http.Request) (service.Envelope, error) {
	var req service.AuthenticateRequest
	if err := decodeBody(r, &req); err != nil {
		return badRequest(err)
	}
	return s.svc.Authenticate(req)
}

func (s *Server) status(r *http.Request) (service.Envelope, error) {
	return s.svc.Status(mux.Vars(r)["uav_id"])
}

var errUnhealthy = errors.New("ledger failed verification")

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errUnhealthy):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrInvalidPublicKey):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnknownDevice), errors.Is(err, service.ErrUnknownBlock):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateDevice), errors.Is(err, core.ErrReplayedNonce):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnverifiedSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(err error) (service.Envelope, error) {
	err = fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	return service.Envelope{Message: err.Error()}, err
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("panic serving request", slog.String("panic", fmt.Sprint(v...)))
}
