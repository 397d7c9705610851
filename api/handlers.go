package api

import (
	"strconv"
	"time"

	"github.com/Aidin1998/predex/api/responses"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/validation"
	apierrors "github.com/Aidin1998/predex/pkg/errors"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	ctxUser = "user_id"

	defaultSnapshotLevels = 20
)

// PlaceOrderRequest is the body of POST /markets/:market/orders.
type PlaceOrderRequest struct {
	ClientOrderID   string            `json:"client_order_id" validate:"omitempty,max=64"`
	Side            string            `json:"side" validate:"required"`
	Type            string            `json:"type"`
	TimeInForce     string            `json:"time_in_force"`
	SelfTradePolicy string            `json:"self_trade_policy"`
	Price           fixedpoint.Amount `json:"price"`
	Quantity        fixedpoint.Amount `json:"quantity" validate:"required"`
	ExpiresAt       *time.Time        `json:"expires_at"`
}

func (r PlaceOrderRequest) toRequest(marketID, userID string) validation.Request {
	req := validation.Request{
		MarketID:        marketID,
		UserID:          userID,
		ClientOrderID:   r.ClientOrderID,
		Side:            r.Side,
		Type:            r.Type,
		TimeInForce:     r.TimeInForce,
		SelfTradePolicy: r.SelfTradePolicy,
		Price:           r.Price,
		Quantity:        r.Quantity,
	}
	if r.ExpiresAt != nil {
		req.ExpiresAt = *r.ExpiresAt
	}
	return req
}

// CommitRequest is the body of POST /markets/:market/commitments.
type CommitRequest struct {
	Hash string `json:"hash" validate:"required,len=64,hexadecimal"`
}

// RevealRequest is the body of POST /markets/:market/reveal.
type RevealRequest struct {
	PlaceOrderRequest
	Nonce string `json:"nonce" validate:"required"`
}

func (s *Server) requireUser(c *gin.Context) {
	user := c.GetHeader(UserHeader)
	if user == "" {
		responses.BadRequest(c, "missing "+UserHeader+" header", apierrors.ValidationError{
			Field: UserHeader, Message: "required", Code: "required",
		})
		return
	}
	c.Set(ctxUser, user)
	c.Next()
}

func (s *Server) resolveMarket(c *gin.Context) (*engine.Engine, bool) {
	eng, err := s.trading.Market(c.Param("market"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return eng, true
}

func (s *Server) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		responses.BadRequest(c, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validator.Struct(dst); err != nil {
		var fields []apierrors.ValidationError
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, apierrors.ValidationError{
					Field:   fe.Field(),
					Message: "failed " + fe.Tag() + " check",
					Code:    fe.Tag(),
				})
			}
		}
		responses.BadRequest(c, "request validation failed", fields...)
		return false
	}
	return true
}

func (s *Server) placeOrder(c *gin.Context) {
	if _, ok := s.resolveMarket(c); !ok {
		return
	}
	var body PlaceOrderRequest
	if !s.bind(c, &body) {
		return
	}
	res, err := s.trading.PlaceOrder(c.Request.Context(), body.toRequest(c.Param("market"), c.GetString(ctxUser)))
	if err != nil {
		s.failWithResult(c, err, res)
		return
	}
	responses.Created(c, res, "order accepted")
}

func (s *Server) cancelOrder(c *gin.Context) {
	if _, ok := s.resolveMarket(c); !ok {
		return
	}
	side, err := model.ParseSide(c.Query("side"))
	if err != nil {
		responses.BadRequest(c, err.Error(), apierrors.ValidationError{Field: "side", Message: "bid or ask required", Code: "oneof"})
		return
	}
	res, err := s.trading.CancelOrder(c.Request.Context(), c.Param("market"), c.Param("id"), side, c.GetString(ctxUser))
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Success(c, res, "order cancelled")
}

func (s *Server) getDepth(c *gin.Context) {
	eng, ok := s.resolveMarket(c)
	if !ok {
		return
	}
	side, err := model.ParseSide(c.DefaultQuery("side", "bid"))
	if err != nil {
		responses.BadRequest(c, err.Error())
		return
	}
	granularity, err := strconv.Atoi(c.DefaultQuery("granularity", "1"))
	if err != nil {
		responses.BadRequest(c, "granularity must be an integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		responses.BadRequest(c, "limit must be an integer")
		return
	}
	levels, err := eng.Depth(side, granularity, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Success(c, gin.H{
		"market_id":   eng.MarketID(),
		"side":        side,
		"granularity": granularity,
		"levels":      levels,
	})
}

func (s *Server) getSnapshot(c *gin.Context) {
	eng, ok := s.resolveMarket(c)
	if !ok {
		return
	}
	levels, err := strconv.Atoi(c.DefaultQuery("levels", strconv.Itoa(defaultSnapshotLevels)))
	if err != nil {
		responses.BadRequest(c, "levels must be an integer")
		return
	}
	responses.Success(c, eng.Snapshot(levels))
}

func (s *Server) commit(c *gin.Context) {
	var body CommitRequest
	if !s.bind(c, &body) {
		return
	}
	cm, err := s.trading.Commit(c.Request.Context(), c.Param("market"), c.GetString(ctxUser), body.Hash)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Created(c, cm, "commitment stored")
}

func (s *Server) reveal(c *gin.Context) {
	if _, ok := s.resolveMarket(c); !ok {
		return
	}
	var body RevealRequest
	if !s.bind(c, &body) {
		return
	}
	req := body.toRequest(c.Param("market"), c.GetString(ctxUser))
	res, err := s.trading.Reveal(c.Request.Context(), req, body.Nonce)
	if err != nil {
		s.failWithResult(c, err, res)
		return
	}
	responses.Created(c, res, "order revealed")
}
