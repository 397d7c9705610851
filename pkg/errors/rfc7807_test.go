package errors

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalFlattensExtra(t *testing.T) {
	p := NewMarketHaltedError("market halted: circuit_breaker", "/api/v1/markets/m/orders").
		WithTraceID("t-1").
		WithExtra("reason", "circuit_breaker")

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, TypeMarketHalted, out["type"])
	assert.EqualValues(t, http.StatusServiceUnavailable, out["status"])
	assert.Equal(t, "circuit_breaker", out["reason"])
	assert.Equal(t, "t-1", out["trace_id"])
	assert.NotContains(t, out, "errors")
}

func TestExtraCannotOverrideCoreFields(t *testing.T) {
	p := NewNotFoundError("gone", "").WithExtra("status", 200)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":404`)
	assert.NotContains(t, string(data), "instance")
}

func TestConstructorStatuses(t *testing.T) {
	cases := map[*ProblemDetails]int{
		NewValidationError("", ""):        http.StatusBadRequest,
		NewInvalidOrderError("", ""):      http.StatusBadRequest,
		NewRiskRejectedError("", ""):      http.StatusUnprocessableEntity,
		NewInsufficientFundsError("", ""): http.StatusUnprocessableEntity,
		NewRateLimitError("", ""):         http.StatusTooManyRequests,
		NewConflictError("", ""):          http.StatusConflict,
		NewOrderNotFoundError("", ""):     http.StatusNotFound,
		NewInternalError("", ""):          http.StatusInternalServerError,
	}
	for p, want := range cases {
		assert.Equal(t, want, p.Status, p.Title)
	}
}
