package api

import (
	"errors"

	"github.com/Aidin1998/predex/api/responses"
	"github.com/Aidin1998/predex/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/predex/internal/trading/commitreveal"
	"github.com/Aidin1998/predex/internal/trading/depth"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/risk"
	"github.com/Aidin1998/predex/internal/trading/validation"
	apierrors "github.com/Aidin1998/predex/pkg/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Problem maps a domain error onto an RFC 7807 problem.
func Problem(err error, instance string) *apierrors.ProblemDetails {
	var (
		verr *validation.Error
		rej  *risk.Rejection
		halt *engine.HaltError
	)
	switch {
	case errors.As(err, &verr):
		return apierrors.NewInvalidOrderError(err.Error(), instance).
			WithValidationErrors([]apierrors.ValidationError{{Field: verr.Field, Message: verr.Reason}})
	case errors.As(err, &rej):
		var p *apierrors.ProblemDetails
		switch {
		case rej.Retryable:
			p = apierrors.NewRateLimitError(err.Error(), instance)
		case rej.Check == risk.CheckBalance:
			p = apierrors.NewInsufficientFundsError(err.Error(), instance)
		default:
			p = apierrors.NewRiskRejectedError(err.Error(), instance)
		}
		p.WithExtra("check", string(rej.Check))
		if rej.ConflictingOrderID != "" {
			p.WithExtra("conflicting_order_id", rej.ConflictingOrderID)
		}
		return p
	case errors.As(err, &halt):
		return apierrors.NewMarketHaltedError(err.Error(), instance).WithExtra("reason", halt.Reason)
	case errors.Is(err, engine.ErrMarketHalted):
		return apierrors.NewMarketHaltedError(err.Error(), instance)
	case errors.Is(err, ratelimit.ErrRateLimited):
		return apierrors.NewRateLimitError(err.Error(), instance)
	case errors.Is(err, ratelimit.ErrMinRestingTime),
		errors.Is(err, engine.ErrDuplicateOrder),
		errors.Is(err, commitreveal.ErrCommitmentExists):
		return apierrors.NewConflictError(err.Error(), instance)
	case errors.Is(err, engine.ErrOrderNotFound):
		return apierrors.NewOrderNotFoundError(err.Error(), instance)
	case errors.Is(err, engine.ErrUnknownMarket),
		errors.Is(err, commitreveal.ErrCommitmentNotFound):
		return apierrors.NewNotFoundError(err.Error(), instance)
	case errors.Is(err, model.ErrUnknownValue),
		errors.Is(err, engine.ErrInvalidTick),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrMarketMismatch),
		errors.Is(err, commitreveal.ErrMalformedHash),
		errors.Is(err, depth.ErrUnknownGranularity),
		errors.Is(err, depth.ErrPriceOutOfRange):
		return apierrors.NewValidationError(err.Error(), instance)
	}
	return apierrors.NewInternalError("internal error", instance)
}

func (s *Server) fail(c *gin.Context, err error) {
	s.failWithResult(c, err, nil)
}

// failWithResult attaches res so that trades committed before a mid-match
// halt are reported alongside the error.
func (s *Server) failWithResult(c *gin.Context, err error, res *engine.Result) {
	p := Problem(err, c.Request.URL.Path)
	if p.Status >= 500 && p.Type == apierrors.TypeInternalError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	if res != nil {
		p.WithExtra("result", res)
	}
	responses.Error(c, p)
}
