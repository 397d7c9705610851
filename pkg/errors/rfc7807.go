// Package errors renders API failures as RFC 7807 Problem Details.
package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError   = "https://predex.dev/problems/validation-error"
	TypeInvalidOrder      = "https://predex.dev/problems/invalid-order"
	TypeRiskRejected      = "https://predex.dev/problems/risk-rejected"
	TypeInsufficientFunds = "https://predex.dev/problems/insufficient-funds"
	TypeRateLimit         = "https://predex.dev/problems/rate-limit"
	TypeMarketHalted      = "https://predex.dev/problems/market-halted"
	TypeNotFound          = "https://predex.dev/problems/not-found"
	TypeOrderNotFound     = "https://predex.dev/problems/order-not-found"
	TypeConflict          = "https://predex.dev/problems/conflict"
	TypeInternalError     = "https://predex.dev/problems/internal-error"
)

// Problem titles
const (
	TitleValidationError   = "Validation Error"
	TitleInvalidOrder      = "Invalid Order"
	TitleRiskRejected      = "Risk Check Failed"
	TitleInsufficientFunds = "Insufficient Funds"
	TitleRateLimit         = "Rate Limit Exceeded"
	TitleMarketHalted      = "Market Halted"
	TitleNotFound          = "Not Found"
	TitleOrderNotFound     = "Order Not Found"
	TitleConflict          = "Conflict"
	TitleInternalError     = "Internal Server Error"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Errors   []ValidationError      `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

func (p *ProblemDetails) Error() string {
	return p.Detail
}

func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

func (p *ProblemDetails) WithValidationErrors(errs []ValidationError) *ProblemDetails {
	p.Errors = errs
	return p
}

// WithExtra adds a field serialized at the top level.
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON flattens Extra into the top-level object.
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 7+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	return json.Marshal(result)
}

func newProblem(typ, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{Type: typ, Title: title, Status: status, Detail: detail, Instance: instance}
}

func NewValidationError(detail, instance string) *ProblemDetails {
	return newProblem(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

func NewInvalidOrderError(detail, instance string) *ProblemDetails {
	return newProblem(TypeInvalidOrder, TitleInvalidOrder, http.StatusBadRequest, detail, instance)
}

func NewRiskRejectedError(detail, instance string) *ProblemDetails {
	return newProblem(TypeRiskRejected, TitleRiskRejected, http.StatusUnprocessableEntity, detail, instance)
}

func NewInsufficientFundsError(detail, instance string) *ProblemDetails {
	return newProblem(TypeInsufficientFunds, TitleInsufficientFunds, http.StatusUnprocessableEntity, detail, instance)
}

func NewRateLimitError(detail, instance string) *ProblemDetails {
	return newProblem(TypeRateLimit, TitleRateLimit, http.StatusTooManyRequests, detail, instance)
}

func NewMarketHaltedError(detail, instance string) *ProblemDetails {
	return newProblem(TypeMarketHalted, TitleMarketHalted, http.StatusServiceUnavailable, detail, instance)
}

func NewNotFoundError(detail, instance string) *ProblemDetails {
	return newProblem(TypeNotFound, TitleNotFound, http.StatusNotFound, detail, instance)
}

func NewOrderNotFoundError(detail, instance string) *ProblemDetails {
	return newProblem(TypeOrderNotFound, TitleOrderNotFound, http.StatusNotFound, detail, instance)
}

func NewConflictError(detail, instance string) *ProblemDetails {
	return newProblem(TypeConflict, TitleConflict, http.StatusConflict, detail, instance)
}

func NewInternalError(detail, instance string) *ProblemDetails {
	return newProblem(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}
