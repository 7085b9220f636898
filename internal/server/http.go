package server

import (
	"MiniPerps/internal/observability"
	"MiniPerps/internal/perrors"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// HTTPDeps holds all dependencies needed by the HTTP server.
type HTTPDeps struct {
	Addr           string
	API            *API
	Auth           *Authenticator
	Health         *observability.HealthChecker // optional
	Metrics        *observability.Metrics       // optional
	Gatherer       prometheus.Gatherer          // optional; mounts /metrics
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         zerolog.Logger
}

// HTTPServer serves the JSON API under /v1 on a grpc-gateway mux, plus
// health and metrics endpoints.
type HTTPServer struct {
	addr    string
	api     *API
	auth    *Authenticator
	limiter *limiterSet
	metrics *observability.Metrics
	log     zerolog.Logger
	handler http.Handler
	server  *http.Server
}

func NewHTTPServer(deps HTTPDeps) (*HTTPServer, error) {
	s := &HTTPServer{
		addr:    deps.Addr,
		api:     deps.API,
		auth:    deps.Auth,
		limiter: newLimiterSet(deps.RateLimitRPS, deps.RateLimitBurst),
		metrics: deps.Metrics,
		log:     deps.Logger,
	}

	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return nil, err
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if deps.Gatherer != nil {
		root.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	root.Handle("/", mux)
	s.handler = root
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type route struct {
	method  string
	pattern string
	name    string
	auth    bool
	handler func(r *http.Request, params map[string]string) (interface{}, error)
}

func (s *HTTPServer) routes() []route {
	a := s.api
	return []route{
		// Public reads
		{"GET", "/v1/protocol", "get_protocol", false, func(r *http.Request, _ map[string]string) (interface{}, error) {
			return a.GetProtocol(r.Context(), &Empty{})
		}},
		{"GET", "/v1/oracle", "get_oracle", false, func(r *http.Request, _ map[string]string) (interface{}, error) {
			return a.GetOracle(r.Context(), &Empty{})
		}},
		{"GET", "/v1/history/funding", "funding_history", false, func(r *http.Request, _ map[string]string) (interface{}, error) {
			req, err := historyRequest(r)
			if err != nil {
				return nil, err
			}
			return a.FundingHistory(r.Context(), req)
		}},

		// Authority
		{"POST", "/v1/initialize", "initialize", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req InitializeRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return a.Initialize(r.Context(), &req)
		}},
		{"POST", "/v1/oracle/price", "set_price", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req PriceRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return a.SetPrice(r.Context(), &req)
		}},
		{"POST", "/v1/admin/pause", "set_paused", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req PausedRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return a.SetPaused(r.Context(), &req)
		}},
		{"POST", "/v1/admin/risk-params", "update_risk_params", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req RiskParamsRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return a.UpdateRiskParams(r.Context(), &req)
		}},
		{"GET", "/v1/admin/integrity", "verify_integrity", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			return a.VerifyIntegrity(r.Context(), &Empty{})
		}},
		{"POST", "/v1/admin/snapshot", "take_snapshot", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			return a.TakeSnapshot(r.Context(), &Empty{})
		}},
		{"POST", "/v1/admin/rebuild-projections", "rebuild_projections", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			return a.RebuildProjections(r.Context(), &Empty{})
		}},

		// Collateral
		{"GET", "/v1/vault", "get_vault", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			return a.GetVault(r.Context(), &OwnerRequest{Owner: r.URL.Query().Get("owner")})
		}},
		{"POST", "/v1/vault/deposit", "deposit", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req AmountRequest
			if err := decodeKeyed(r, &req); err != nil {
				return nil, err
			}
			return a.Deposit(r.Context(), &req)
		}},
		{"POST", "/v1/vault/withdraw", "withdraw", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req AmountRequest
			if err := decodeKeyed(r, &req); err != nil {
				return nil, err
			}
			return a.Withdraw(r.Context(), &req)
		}},

		// Positions
		{"POST", "/v1/positions", "open_position", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req OpenPositionRequest
			if err := decodeKeyed(r, &req); err != nil {
				return nil, err
			}
			return a.OpenPosition(r.Context(), &req)
		}},
		{"GET", "/v1/positions", "list_positions", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			q := r.URL.Query()
			openOnly, _ := strconv.ParseBool(q.Get("open_only"))
			return a.ListPositions(r.Context(), &ListPositionsRequest{Owner: q.Get("owner"), OpenOnly: openOnly})
		}},
		{"GET", "/v1/positions/{position_id}", "get_position", true, func(r *http.Request, p map[string]string) (interface{}, error) {
			req, err := positionRequest(r, p)
			if err != nil {
				return nil, err
			}
			return a.GetPosition(r.Context(), req)
		}},
		{"POST", "/v1/positions/{position_id}/close", "close_position", true, func(r *http.Request, p map[string]string) (interface{}, error) {
			req, err := positionRequest(r, p)
			if err != nil {
				return nil, err
			}
			return a.ClosePosition(r.Context(), req)
		}},
		{"POST", "/v1/positions/{position_id}/liquidate", "liquidate", true, func(r *http.Request, p map[string]string) (interface{}, error) {
			req, err := positionRequest(r, p)
			if err != nil {
				return nil, err
			}
			return a.Liquidate(r.Context(), req)
		}},
		{"POST", "/v1/positions/{position_id}/accrue-funding", "accrue_funding", true, func(r *http.Request, p map[string]string) (interface{}, error) {
			req, err := positionRequest(r, p)
			if err != nil {
				return nil, err
			}
			return a.AccrueFunding(r.Context(), req)
		}},
		{"GET", "/v1/history/positions", "position_history", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			req, err := historyRequest(r)
			if err != nil {
				return nil, err
			}
			return a.PositionHistory(r.Context(), req)
		}},

		// Funding
		{"POST", "/v1/funding/apply", "apply_funding", true, func(r *http.Request, _ map[string]string) (interface{}, error) {
			return a.ApplyFunding(r.Context(), &Empty{})
		}},
	}
}

func (s *HTTPServer) registerRoutes(mux *runtime.ServeMux) error {
	for _, rt := range s.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// wrap applies rate limiting, authentication, error mapping and metrics.
func (s *HTTPServer) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		status := http.StatusOK
		defer func() {
			if s.metrics != nil {
				s.metrics.APIRequests.WithLabelValues(rt.name, strconv.Itoa(status)).Inc()
				s.metrics.APIDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
			}
		}()

		caller := uuid.Nil
		if header := r.Header.Get("Authorization"); header != "" || rt.auth {
			var err error
			caller, err = s.auth.Authenticate(header)
			if err != nil {
				status = s.writeError(w, rt.name, err)
				return
			}
		}

		visitor := clientIP(r)
		if caller != uuid.Nil {
			visitor = caller.String()
		}
		if !s.limiter.allow(visitor) {
			if s.metrics != nil {
				s.metrics.APIRateLimited.Inc()
			}
			status = http.StatusTooManyRequests
			writeJSON(w, status, ErrorResponse{Code: "rate_limited", Message: "rate limit exceeded"})
			return
		}

		if caller != uuid.Nil {
			r = r.WithContext(withCaller(r.Context(), caller))
		}
		resp, err := rt.handler(r, params)
		if err != nil {
			status = s.writeError(w, rt.name, err)
			return
		}
		writeJSON(w, status, resp)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, route string, err error) int {
	c := classify(err)
	if c.code == "internal" {
		s.log.Error().Err(err).Str("route", route).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Str("route", route).Str("code", c.code).Msg("request rejected")
	}
	writeJSON(w, c.httpStatus, ErrorResponse{Code: c.code, Message: publicMessage(c, err)})
	return c.httpStatus
}

// --- request binding ---

type keyed interface {
	setIdempotencyKey(string)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %v: %w", err, perrors.ErrInvalidParameter)
	}
	return nil
}

// decodeKeyed decodes the body and takes the Idempotency-Key header over
// any key in the body.
func decodeKeyed(r *http.Request, v keyed) error {
	if err := decodeBody(r, v); err != nil {
		return err
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		v.setIdempotencyKey(key)
	}
	return nil
}

func positionRequest(r *http.Request, params map[string]string) (*PositionRequest, error) {
	id, err := strconv.ParseUint(params["position_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("position_id %q: %w", params["position_id"], perrors.ErrInvalidParameter)
	}
	req := &PositionRequest{}
	if r.Method == http.MethodPost {
		if err := decodeKeyed(r, req); err != nil {
			return nil, err
		}
	}
	req.PositionID = id
	if owner := r.URL.Query().Get("owner"); owner != "" {
		req.Owner = owner
	}
	return req, nil
}

func historyRequest(r *http.Request) (*HistoryRequest, error) {
	q := r.URL.Query()
	req := &HistoryRequest{Owner: q.Get("owner")}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("limit %q: %w", v, perrors.ErrInvalidParameter)
		}
		req.Limit = limit
	}
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("before %q: %w", v, perrors.ErrInvalidParameter)
		}
		req.Before = before
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- rate limiting ---

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet keeps one token bucket per caller (or client address for
// anonymous requests). Idle buckets are swept as the set grows.
type limiterSet struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	visitors map[string]*visitor
	now      func() time.Time
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *limiterSet) allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[id]
	if !ok {
		if len(l.visitors) >= 10_000 {
			l.sweep(now)
		}
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *limiterSet) sweep(now time.Time) {
	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) > 10*time.Minute {
			delete(l.visitors, id)
		}
	}
}
