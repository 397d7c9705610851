package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Aidin1998/predex/api"
	"github.com/Aidin1998/predex/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/predex/internal/trading/commitreveal"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/persistence"
	"github.com/Aidin1998/predex/internal/trading/risk"
	"github.com/Aidin1998/predex/internal/trading/service"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const marketID = "7f1c0e4a-3a5b-4c8e-9f2d-1b2c3d4e5f60"

type fixture struct {
	router *gin.Engine
	svc    *service.Service
	store  *persistence.MemoryStore
}

func setup(t *testing.T, minResting time.Duration, checks map[string]api.HealthCheck) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	store := persistence.NewMemoryStore()

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.DefaultRules(), logger,
		ratelimit.WithMinRestingTime(minResting))
	writer := persistence.NewWriter(store, persistence.DefaultWriterConfig(), logger)
	writer.Start()
	t.Cleanup(writer.Stop)

	svc, err := service.New(service.Deps{
		Registry:  engine.NewRegistry(logger, time.Second, engine.WithCancelGuard(limiter)),
		Risk:      risk.NewEngine(nil, limiter, logger),
		Accounts:  store,
		Persister: writer,
		Commits:   commitreveal.NewManager(commitreveal.NewMemoryStore(), time.Minute, logger),
	}, logger)
	require.NoError(t, err)
	_, err = svc.CreateMarket(engine.Config{MarketID: marketID, TickSize: 10_000}, true)
	require.NoError(t, err)

	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, store.Deposit(ctx, u, fixedpoint.FromUnits(100)))
		require.NoError(t, store.SetTier(ctx, u, string(risk.Tier2)))
	}

	srv := api.NewServer(logger, svc, api.Options{HealthChecks: checks})
	return &fixture{router: srv.Router(), svc: svc, store: store}
}

func (f *fixture) do(t *testing.T, method, path, user string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func order(side, price, qty string) map[string]interface{} {
	return map[string]interface{}{"side": side, "type": "limit", "price": price, "quantity": qty}
}

const ordersPath = "/api/v1/markets/" + marketID + "/orders"

func TestHealthCheck(t *testing.T) {
	f := setup(t, 0, map[string]api.HealthCheck{"redis": func(context.Context) error { return nil }})
	w, resp := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])
}

func TestHealthCheckDegraded(t *testing.T) {
	f := setup(t, 0, map[string]api.HealthCheck{"redis": func(context.Context) error { return errors.New("connection refused") }})
	w, resp := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", resp["status"])
}

func TestPlaceOrderMatches(t *testing.T) {
	f := setup(t, 0, nil)

	w, _ := f.do(t, http.MethodPost, ordersPath, "bob", order("ask", "0.40", "10"))
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := f.do(t, http.MethodPost, ordersPath, "alice", order("bid", "0.50", "5"))
	require.Equal(t, http.StatusCreated, w.Code)
	data := resp["data"].(map[string]interface{})
	trades := data["trades"].([]interface{})
	require.Len(t, trades, 1)
	assert.Equal(t, "0.4", trades[0].(map[string]interface{})["price"])
}

func TestPlaceOrderErrors(t *testing.T) {
	f := setup(t, 0, nil)
	tests := []struct {
		name   string
		path   string
		user   string
		body   interface{}
		status int
		typ    string
	}{
		{"missing user", ordersPath, "", order("bid", "0.5", "1"), http.StatusBadRequest, "validation-error"},
		{"missing quantity", ordersPath, "alice", map[string]interface{}{"side": "bid", "price": "0.5"}, http.StatusBadRequest, "validation-error"},
		{"price out of range", ordersPath, "alice", order("bid", "1.5", "1"), http.StatusBadRequest, "invalid-order"},
		{"bad side", ordersPath, "alice", order("up", "0.5", "1"), http.StatusBadRequest, "invalid-order"},
		{"unknown market", "/api/v1/markets/00000000-0000-4000-8000-00000000ffff/orders", "alice", order("bid", "0.5", "1"), http.StatusNotFound, "not-found"},
		{"no funds", ordersPath, "carol", order("bid", "0.5", "1"), http.StatusUnprocessableEntity, ""},
		{"insufficient funds", ordersPath, "alice", order("bid", "0.5", "40000"), http.StatusUnprocessableEntity, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := f.do(t, http.MethodPost, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			assert.EqualValues(t, tt.status, resp["status"])
			if tt.typ != "" {
				assert.Contains(t, resp["type"], tt.typ)
			}
		})
	}
}

func TestHaltedMarketReturns503(t *testing.T) {
	f := setup(t, 0, nil)
	eng, err := f.svc.Market(marketID)
	require.NoError(t, err)
	eng.Halt("manual")

	w, resp := f.do(t, http.MethodPost, ordersPath, "bob", order("ask", "0.40", "1"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "manual", resp["reason"])
}

func TestCancelOrder(t *testing.T) {
	f := setup(t, 0, nil)
	w, resp := f.do(t, http.MethodPost, ordersPath, "alice", order("bid", "0.30", "2"))
	require.Equal(t, http.StatusCreated, w.Code)
	id := resp["data"].(map[string]interface{})["order"].(map[string]interface{})["id"].(string)

	w, _ = f.do(t, http.MethodDelete, ordersPath+"/"+id, "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "side is required")

	w, _ = f.do(t, http.MethodDelete, ordersPath+"/"+id+"?side=bid", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "only the owner may cancel")

	w, resp = f.do(t, http.MethodDelete, ordersPath+"/"+id+"?side=bid", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(model.StatusCancelled), resp["data"].(map[string]interface{})["order"].(map[string]interface{})["status"])

	w, _ = f.do(t, http.MethodDelete, ordersPath+"/"+id+"?side=bid", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelBeforeMinRestingTime(t *testing.T) {
	f := setup(t, time.Hour, nil)
	w, resp := f.do(t, http.MethodPost, ordersPath, "alice", order("bid", "0.30", "2"))
	require.Equal(t, http.StatusCreated, w.Code)
	id := resp["data"].(map[string]interface{})["order"].(map[string]interface{})["id"].(string)

	w, _ = f.do(t, http.MethodDelete, ordersPath+"/"+id+"?side=bid", "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDepthAndSnapshot(t *testing.T) {
	f := setup(t, 0, nil)
	for _, p := range []string{"0.30", "0.31", "0.31"} {
		w, _ := f.do(t, http.MethodPost, ordersPath, "alice", order("bid", p, "1"))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, resp := f.do(t, http.MethodGet, "/api/v1/markets/"+marketID+"/depth?side=bid&granularity=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	levels := resp["data"].(map[string]interface{})["levels"].([]interface{})
	require.Len(t, levels, 2)
	best := levels[0].(map[string]interface{})
	assert.Equal(t, "0.31", best["price"])
	assert.Equal(t, "2", best["size"])

	w, _ = f.do(t, http.MethodGet, "/api/v1/markets/"+marketID+"/depth?granularity=7", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = f.do(t, http.MethodGet, "/api/v1/markets/"+marketID+"/snapshot?levels=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := resp["data"].(map[string]interface{})
	assert.Equal(t, "0.31", snap["best_bid"])
	assert.Len(t, snap["bids"], 1)
}

func TestCommitReveal(t *testing.T) {
	f := setup(t, 0, nil)
	base := "/api/v1/markets/" + marketID
	hash := commitreveal.Hash("alice", "n1", model.SideBid, fixedpoint.MustParse("0.25"), fixedpoint.FromUnits(4))

	w, _ := f.do(t, http.MethodPost, base+"/commitments", "alice", map[string]string{"hash": "xyz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, base+"/commitments", "alice", map[string]string{"hash": hash})
	require.Equal(t, http.StatusCreated, w.Code)

	reveal := order("bid", "0.25", "4")
	reveal["nonce"] = "n1"
	w, resp := f.do(t, http.MethodPost, base+"/reveal", "alice", reveal)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "0.25", resp["data"].(map[string]interface{})["order"].(map[string]interface{})["price"])

	w, _ = f.do(t, http.MethodPost, base+"/reveal", "alice", reveal)
	assert.Equal(t, http.StatusNotFound, w.Code, "a commitment opens once")
}

func TestProblemMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&risk.Rejection{Check: risk.CheckRateLimit, Retryable: true}, http.StatusTooManyRequests},
		{&risk.Rejection{Check: risk.CheckSelfTrade}, http.StatusUnprocessableEntity},
		{&engine.HaltError{MarketID: marketID, Reason: "circuit_breaker"}, http.StatusServiceUnavailable},
		{ratelimit.ErrRateLimited, http.StatusTooManyRequests},
		{ratelimit.ErrMinRestingTime, http.StatusConflict},
		{engine.ErrOrderNotFound, http.StatusNotFound},
		{commitreveal.ErrCommitmentExists, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		p := api.Problem(tt.err, "/x")
		assert.Equal(t, tt.status, p.Status, tt.err.Error())
	}
	assert.Equal(t, "internal error", api.Problem(errors.New("secret"), "/x").Detail)
}
