package orders

import (
	"errors"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByVenueID(venueOrderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("venue_order_id = ?", venueOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndClientID(orderID, clientID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND client_id = ?", orderID, clientID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

// GetOpenOrders returns every order still live at the venue.
func (d *Database) GetOpenOrders() ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status IN ?", []string{types.StatusSent, types.StatusPartial}).
		Order("id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetFillsByOrderID returns an order's fills in recorded order.
func (d *Database) GetFillsByOrderID(orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	if err := d.db.Where("order_id = ?", orderID).Order("id ASC").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// GetFillByVenueFillID returns the fill carrying the venue's fill reference,
// or nil when it has not been recorded.
func (d *Database) GetFillByVenueFillID(venueFillID string) (*types.Fill, error) {
	var fill types.Fill
	if err := d.db.Where("venue_fill_id = ?", venueFillID).First(&fill).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &fill, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key, nil when the
// key has never been used.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateOrderWithIdempotency creates the order and its idempotency record in
// one transaction. The unique indexes on idempotency_key back-stop
// concurrent creates with the same key.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := types.IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) CountOrders() (int64, error) {
	var count int64
	if err := d.db.Model(&types.Order{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
