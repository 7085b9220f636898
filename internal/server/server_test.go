package server

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/projection"
	"MiniPerps/internal/query"
	"MiniPerps/internal/store"
	"MiniPerps/internal/testutil"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	t         *testing.T
	api       *API
	http      *HTTPServer
	authority uuid.UUID
	alice     uuid.UUID
	bob       uuid.UUID
}

func newHarness(t *testing.T, rps float64, burst int) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st := store.NewMemoryStore()
	clock := testutil.NewFakeClock(1_700_000_000)
	eng := core.NewEngine(st, nil, clock, core.Options{})
	idem := core.NewIdempotencyChecker(64, nil, nil, zerolog.Nop())
	proc := core.NewProcessor(eng, idem, 8, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	qs := query.NewQueryService(proc, st, nil, projection.NewFundingHistoryProjection(8), clock)
	api := NewAPI(APIDeps{Exec: proc, Queries: qs, Logger: zerolog.Nop()})
	srv, err := NewHTTPServer(HTTPDeps{
		API:            api,
		Auth:           NewAuthenticator(testSecret),
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	return &harness{
		t:         t,
		api:       api,
		http:      srv,
		authority: uuid.New(),
		alice:     uuid.New(),
		bob:       uuid.New(),
	}
}

func (h *harness) token(sub uuid.UUID) string {
	tok, err := IssueToken(testSecret, sub, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) call(method, path string, as uuid.UUID, body interface{}, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+h.token(as))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.http.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) mustCall(method, path string, as uuid.UUID, body, out interface{}) {
	h.t.Helper()
	rec := h.call(method, path, as, body)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	if out != nil {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
}

func (h *harness) bootstrap() {
	h.t.Helper()
	h.mustCall("POST", "/v1/initialize", h.authority, InitializeRequest{CollateralAsset: "USDC"}, nil)
	h.mustCall("POST", "/v1/oracle/price", h.authority, PriceRequest{Price: "100"}, nil)
	h.mustCall("POST", "/v1/vault/deposit", h.alice, AmountRequest{Amount: "1000"}, nil)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Code
}

func TestHTTP_Authentication(t *testing.T) {
	h := newHarness(t, 1000, 1000)

	rec := h.call("GET", "/v1/vault", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, rec))

	rec = h.call("GET", "/v1/vault", uuid.Nil, nil, "Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := IssueToken("ffffffffffffffffffffffffffffffff", h.alice, time.Hour)
	require.NoError(t, err)
	rec = h.call("GET", "/v1/vault", uuid.Nil, nil, "Authorization", "Bearer "+wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// public reads need no token
	rec = h.call("GET", "/v1/protocol", uuid.Nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_initialized", errorCode(t, rec))
}

func TestHTTP_TradingFlow(t *testing.T) {
	h := newHarness(t, 1000, 1000)
	h.bootstrap()

	var proto query.ProtocolResponse
	h.mustCall("GET", "/v1/protocol", uuid.Nil, nil, &proto)
	assert.Equal(t, h.authority, proto.Authority)

	var pos query.PositionResponse
	h.mustCall("POST", "/v1/positions", h.alice, OpenPositionRequest{Direction: "long", Size: "1", Leverage: 5}, &pos)
	assert.True(t, pos.IsOpen)
	assert.Equal(t, "20.000000", pos.Margin)

	var vault query.VaultResponse
	h.mustCall("GET", "/v1/vault", h.alice, nil, &vault)
	assert.Equal(t, "20.000000", vault.Locked)
	assert.Equal(t, "980.000000", vault.Available)

	var got query.PositionResponse
	h.mustCall("GET", fmt.Sprintf("/v1/positions/%d", pos.PositionID), h.alice, nil, &got)
	require.NotNil(t, got.Health)
	assert.Equal(t, "Healthy", got.Health.Status)

	var list PositionsResponse
	h.mustCall("GET", "/v1/positions?open_only=true", h.alice, nil, &list)
	assert.Len(t, list.Positions, 1)

	// bob cannot close alice's position
	rec := h.call("POST", fmt.Sprintf("/v1/positions/%d/close?owner=%s", pos.PositionID, h.alice), h.bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var settled SettlementResponse
	h.mustCall("POST", fmt.Sprintf("/v1/positions/%d/close", pos.PositionID), h.alice, nil, &settled)
	assert.False(t, settled.Position.IsOpen)
	assert.Equal(t, "0.000000", settled.PnL)
	assert.Equal(t, "0.000000", settled.Vault.Locked)
	assert.Empty(t, settled.Fee)

	rec = h.call("POST", fmt.Sprintf("/v1/positions/%d/close", pos.PositionID), h.alice, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "position_not_open", errorCode(t, rec))
}

func TestHTTP_IdempotencyKey(t *testing.T) {
	h := newHarness(t, 1000, 1000)
	h.bootstrap()

	rec := h.call("POST", "/v1/vault/deposit", h.alice, AmountRequest{Amount: "5"}, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.call("POST", "/v1/vault/deposit", h.alice, AmountRequest{Amount: "5"}, "Idempotency-Key", "dep-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_request", errorCode(t, rec))

	// keys are scoped per caller
	rec = h.call("POST", "/v1/vault/deposit", h.bob, AmountRequest{Amount: "5"}, "Idempotency-Key", "dep-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	var vault query.VaultResponse
	h.mustCall("GET", "/v1/vault", h.alice, nil, &vault)
	assert.Equal(t, "1005.000000", vault.Deposited)
}

func TestHTTP_Validation(t *testing.T) {
	h := newHarness(t, 1000, 1000)
	h.bootstrap()

	tests := []struct {
		name   string
		method string
		path   string
		as     uuid.UUID
		body   interface{}
		status int
		code   string
	}{
		{"unknown field", "POST", "/v1/vault/deposit", h.alice, map[string]string{"amount": "1", "extra": "x"}, http.StatusBadRequest, "invalid_parameter"},
		{"negative amount", "POST", "/v1/vault/deposit", h.alice, AmountRequest{Amount: "-1"}, http.StatusBadRequest, "invalid_parameter"},
		{"zero amount", "POST", "/v1/vault/deposit", h.alice, AmountRequest{Amount: "0"}, http.StatusBadRequest, "zero_amount"},
		{"excess precision", "POST", "/v1/vault/deposit", h.alice, AmountRequest{Amount: "1.9999999"}, http.StatusBadRequest, "invalid_parameter"},
		{"exponent amount", "POST", "/v1/vault/deposit", h.alice, AmountRequest{Amount: "1e20000000"}, http.StatusBadRequest, "invalid_parameter"},
		{"exponent size", "POST", "/v1/positions", h.alice, OpenPositionRequest{Direction: "long", Size: "1e9", Leverage: 2}, http.StatusBadRequest, "invalid_parameter"},
		{"bad direction", "POST", "/v1/positions", h.alice, OpenPositionRequest{Direction: "up", Size: "1", Leverage: 2}, http.StatusBadRequest, "invalid_parameter"},
		{"bad position id", "GET", "/v1/positions/abc", h.alice, nil, http.StatusBadRequest, "invalid_parameter"},
		{"missing position", "GET", "/v1/positions/999", h.alice, nil, http.StatusNotFound, "not_found"},
		{"not authority", "POST", "/v1/oracle/price", h.alice, PriceRequest{Price: "1"}, http.StatusForbidden, "unauthorized"},
		{"integrity not authority", "GET", "/v1/admin/integrity", h.alice, nil, http.StatusForbidden, "unauthorized"},
		{"snapshots disabled", "POST", "/v1/admin/snapshot", h.authority, nil, http.StatusNotImplemented, "not_configured"},
		{"over withdraw", "POST", "/v1/vault/withdraw", h.alice, AmountRequest{Amount: "2000"}, http.StatusUnprocessableEntity, "insufficient_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.call(tt.method, tt.path, tt.as, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	var report query.IntegrityReport
	h.mustCall("GET", "/v1/admin/integrity", h.authority, nil, &report)
	assert.True(t, report.IsHealthy, report.Violations)
}

func TestHTTP_RateLimit(t *testing.T) {
	h := newHarness(t, 1, 2)

	assert.NotEqual(t, http.StatusTooManyRequests, h.call("GET", "/v1/protocol", uuid.Nil, nil).Code)
	assert.NotEqual(t, http.StatusTooManyRequests, h.call("GET", "/v1/protocol", uuid.Nil, nil).Code)
	rec := h.call("GET", "/v1/protocol", uuid.Nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))

	// an authenticated caller has its own bucket
	assert.NotEqual(t, http.StatusTooManyRequests, h.call("GET", "/v1/vault", h.alice, nil).Code)
}

func TestLimiterSet_Sweep(t *testing.T) {
	l := newLimiterSet(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))

	now = now.Add(11 * time.Minute)
	l.sweep(now)
	assert.Empty(t, l.visitors)
	assert.True(t, l.allow("a"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
		grpc   codes.Code
	}{
		{perrors.ErrInsufficientMargin, "insufficient_margin", 422, codes.FailedPrecondition},
		{fmt.Errorf("wrapped: %w", perrors.ErrOracleStale), "oracle_stale", 422, codes.FailedPrecondition},
		{perrors.ErrUnauthorized, "unauthorized", 403, codes.PermissionDenied},
		{perrors.ErrDuplicateRequest, "duplicate_request", 409, codes.AlreadyExists},
		{ErrMissingToken, "unauthenticated", 401, codes.Unauthenticated},
		{core.ErrProcessorStopped, "unavailable", 503, codes.Unavailable},
		{context.DeadlineExceeded, "timeout", 504, codes.DeadlineExceeded},
		{query.ErrHistoryUnavailable, "not_configured", 501, codes.Unimplemented},
		{errors.New("disk on fire"), "internal", 500, codes.Internal},
	}
	for _, tt := range tests {
		c := classify(tt.err)
		assert.Equal(t, tt.code, c.code, tt.err.Error())
		assert.Equal(t, tt.status, c.httpStatus, tt.err.Error())
		assert.Equal(t, tt.grpc, c.grpcCode, tt.err.Error())
	}

	assert.Equal(t, "internal error", publicMessage(classify(errors.New("dsn=secret")), errors.New("dsn=secret")))
}

func TestGRPC_Service(t *testing.T) {
	h := newHarness(t, 1000, 1000)
	h.bootstrap()

	srv := NewGRPCServer(GRPCDeps{
		API:            h.api,
		Auth:           NewAuthenticator(testSecret),
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Logger:         zerolog.Nop(),
	})
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-serveDone
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	method := func(name string) string { return "/" + ServiceName + "/" + name }

	var proto query.ProtocolResponse
	require.NoError(t, conn.Invoke(context.Background(), method("GetProtocol"), &Empty{}, &proto))
	assert.Equal(t, "USDC", proto.CollateralAsset)

	var vault query.VaultResponse
	err = conn.Invoke(context.Background(), method("GetVault"), &OwnerRequest{}, &vault)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+h.token(h.alice))
	require.NoError(t, conn.Invoke(authed, method("GetVault"), &OwnerRequest{}, &vault))
	assert.Equal(t, "1000.000000", vault.Deposited)

	var pos query.PositionResponse
	err = conn.Invoke(authed, method("OpenPosition"), &OpenPositionRequest{Direction: "short", Size: "1", Leverage: 500}, &pos)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, conn.Invoke(authed, method("OpenPosition"), &OpenPositionRequest{Direction: "short", Size: "2", Leverage: 4}, &pos))
	assert.Equal(t, "short", pos.Direction)
	assert.Equal(t, "50.000000", pos.Margin)
}
