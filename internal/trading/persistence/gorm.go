package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Database drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type orderRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	ClientOrderID   string `gorm:"size:36"`
	UserID          string `gorm:"index;size:64;not null"`
	MarketID        string `gorm:"index:idx_orders_market_status;size:64;not null"`
	Side            string `gorm:"size:8;not null"`
	Type            string `gorm:"size:8;not null"`
	TimeInForce     string `gorm:"size:8;not null"`
	SelfTradePolicy string `gorm:"size:16"`
	Price           int64
	Quantity        int64
	FilledQuantity  int64
	Status          string `gorm:"index:idx_orders_market_status;size:16;not null"`
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (orderRow) TableName() string { return "orders" }

type tradeRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	MarketID     string `gorm:"index;size:64;not null"`
	MakerOrderID string `gorm:"index;size:64"`
	TakerOrderID string `gorm:"index;size:64"`
	MakerUserID  string `gorm:"size:64"`
	TakerUserID  string `gorm:"size:64"`
	TakerSide    string `gorm:"size:8"`
	Price        int64
	Size         int64
	Fee          int64
	MakerRebate  int64
	CreatedAt    time.Time
}

func (tradeRow) TableName() string { return "trades" }

type accountRow struct {
	UserID      string `gorm:"primaryKey;size:64"`
	Tier        string `gorm:"size:16"`
	Balance     int64
	Frozen      int64
	MakerVolume int64
	Rebates     int64
	UpdatedAt   time.Time
}

func (accountRow) TableName() string { return "accounts" }

func toOrderRow(o *model.Order) *orderRow {
	r := &orderRow{
		ID:              o.ID,
		ClientOrderID:   o.ClientOrderID,
		UserID:          o.UserID,
		MarketID:        o.MarketID,
		Side:            string(o.Side),
		Type:            string(o.Type),
		TimeInForce:     string(o.TimeInForce),
		SelfTradePolicy: string(o.SelfTradePolicy),
		Price:           o.Price.Int64(),
		Quantity:        o.Quantity.Int64(),
		FilledQuantity:  o.FilledQuantity.Int64(),
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if !o.ExpiresAt.IsZero() {
		at := o.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}

func (r *orderRow) toModel() (*model.Order, error) {
	side, err := model.ParseSide(r.Side)
	if err != nil {
		return nil, err
	}
	typ, err := model.ParseOrderType(r.Type)
	if err != nil {
		return nil, err
	}
	tif, err := model.ParseTimeInForce(r.TimeInForce)
	if err != nil {
		return nil, err
	}
	stp, err := model.ParseSTPPolicy(r.SelfTradePolicy)
	if err != nil {
		return nil, err
	}
	status, err := model.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	o := &model.Order{
		ID:              r.ID,
		ClientOrderID:   r.ClientOrderID,
		UserID:          r.UserID,
		MarketID:        r.MarketID,
		Side:            side,
		Type:            typ,
		TimeInForce:     tif,
		SelfTradePolicy: stp,
		Price:           fixedpoint.Amount(r.Price),
		Quantity:        fixedpoint.Amount(r.Quantity),
		FilledQuantity:  fixedpoint.Amount(r.FilledQuantity),
		Status:          status,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		o.ExpiresAt = *r.ExpiresAt
	}
	return o, nil
}

func toTradeRow(t *model.Trade) tradeRow {
	return tradeRow{
		ID:           t.ID,
		MarketID:     t.MarketID,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		MakerUserID:  t.MakerUserID,
		TakerUserID:  t.TakerUserID,
		TakerSide:    string(t.TakerSide),
		Price:        t.Price.Int64(),
		Size:         t.Size.Int64(),
		Fee:          t.Fee.Int64(),
		MakerRebate:  t.MakerRebate.Int64(),
		CreatedAt:    t.CreatedAt,
	}
}

// GormStore implements Store on a SQL database through GORM.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to driver/dsn. SQLite accepts ":memory:" and file paths.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("persistence: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", driver, err)
	}
	return db, nil
}

// NewGormStore wraps db and migrates the schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&orderRow{}, &tradeRow{}, &accountRow{}); err != nil {
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}
	return &GormStore{db: db, logger: logger.Named("persistence")}, nil
}

// LoadOpenOrders returns resting orders of marketID oldest first.
func (s *GormStore) LoadOpenOrders(ctx context.Context, marketID string) ([]*model.Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("market_id = ? AND status IN ?", marketID, []string{string(model.StatusOpen), string(model.StatusPartial)}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	orders := make([]*model.Order, 0, len(rows))
	for i := range rows {
		o, err := rows[i].toModel()
		if err != nil {
			s.logger.Error("Skipping unreadable order row", zap.String("order_id", rows[i].ID), zap.Error(err))
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *GormStore) SaveOrder(ctx context.Context, order *model.Order) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"price", "quantity", "filled_quantity", "status", "updated_at"}),
	}).Create(toOrderRow(order)).Error
	if err != nil {
		return fmt.Errorf("save order %s: %w", order.ID, err)
	}
	return nil
}

func (s *GormStore) AppendTrades(ctx context.Context, trades []*model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([]tradeRow, len(trades))
	for i, t := range trades {
		rows[i] = toTradeRow(t)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("append %d trades: %w", len(trades), err)
	}
	return nil
}

func (s *GormStore) UpdateOrderFill(ctx context.Context, orderID string, filled fixedpoint.Amount, status model.OrderStatus, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"filled_quantity": filled.Int64(),
			"status":          string(status),
			"updated_at":      at,
		})
	if result.Error != nil {
		return fmt.Errorf("update order fill: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return nil
}

// FreezeFunds is a single conditional UPDATE so concurrent freezes cannot
// overdraw an account.
func (s *GormStore) FreezeFunds(ctx context.Context, userID string, amount fixedpoint.Amount) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	result := s.db.WithContext(ctx).Model(&accountRow{}).
		Where("user_id = ? AND balance - frozen >= ?", userID, amount.Int64()).
		Updates(map[string]interface{}{
			"frozen":     gorm.Expr("frozen + ?", amount.Int64()),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("freeze funds: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) UnfreezeFunds(ctx context.Context, userID string, amount fixedpoint.Amount) error {
	if amount <= 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&accountRow{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"frozen":     gorm.Expr("CASE WHEN frozen > ? THEN frozen - ? ELSE 0 END", amount.Int64(), amount.Int64()),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("unfreeze funds: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	return nil
}

func (s *GormStore) RecordMakerVolume(ctx context.Context, userID string, notional, rebate fixedpoint.Amount) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"maker_volume": gorm.Expr("accounts.maker_volume + ?", notional.Int64()),
			"rebates":      gorm.Expr("accounts.rebates + ?", rebate.Int64()),
			"updated_at":   time.Now(),
		}),
	}).Create(&accountRow{UserID: userID, MakerVolume: notional.Int64(), Rebates: rebate.Int64(), UpdatedAt: time.Now()}).Error
	if err != nil {
		return fmt.Errorf("record maker volume: %w", err)
	}
	return nil
}

func (s *GormStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &Account{
		UserID:      row.UserID,
		Tier:        row.Tier,
		Balance:     fixedpoint.Amount(row.Balance),
		Frozen:      fixedpoint.Amount(row.Frozen),
		MakerVolume: fixedpoint.Amount(row.MakerVolume),
		Rebates:     fixedpoint.Amount(row.Rebates),
	}, nil
}

func (s *GormStore) TrailingVolumes(ctx context.Context) (map[string]fixedpoint.Amount, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Where("maker_volume > 0").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("trailing volumes: %w", err)
	}
	out := make(map[string]fixedpoint.Amount, len(rows))
	for _, r := range rows {
		out[r.UserID] = fixedpoint.Amount(r.MakerVolume)
	}
	return out, nil
}

// Deposit credits amount, creating the account if needed.
func (s *GormStore) Deposit(ctx context.Context, userID string, amount fixedpoint.Amount) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance":    gorm.Expr("accounts.balance + ?", amount.Int64()),
			"updated_at": time.Now(),
		}),
	}).Create(&accountRow{UserID: userID, Balance: amount.Int64(), UpdatedAt: time.Now()}).Error
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}

func (s *GormStore) SetTier(ctx context.Context, userID, tier string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "updated_at"}),
	}).Create(&accountRow{UserID: userID, Tier: tier, UpdatedAt: time.Now()}).Error
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	return nil
}
