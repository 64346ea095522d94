package positions

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

// GetFillsBySymbol returns the symbol's complete fill history in the order
// it was durably recorded.
func (d *Database) GetFillsBySymbol(symbol string) ([]types.Fill, error) {
	var fills []types.Fill
	if err := d.db.Where("symbol = ?", symbol).Order("id ASC").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// GetAllFills returns every fill in recorded order.
func (d *Database) GetAllFills() ([]types.Fill, error) {
	var fills []types.Fill
	if err := d.db.Order("id ASC").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

func (d *Database) GetPosition(symbol string) (*types.Position, error) {
	var position types.Position
	if err := d.db.Where("symbol = ?", symbol).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (d *Database) GetAllPositions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Order("symbol ASC").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// UpsertPosition writes the snapshot for a symbol, inserting the row on
// first fill.
func (d *Database) UpsertPosition(symbol string, quantity, avgCost float64) error {
	var position types.Position
	err := d.db.Where("symbol = ?", symbol).First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		position = types.Position{
			Symbol:    symbol,
			Quantity:  quantity,
			AvgCost:   avgCost,
			UpdatedAt: time.Now(),
		}
		return d.db.Create(&position).Error
	}
	if err != nil {
		return err
	}

	position.Quantity = quantity
	position.AvgCost = avgCost
	position.UpdatedAt = time.Now()
	return d.db.Save(&position).Error
}

func (d *Database) DeletePosition(symbol string) error {
	return d.db.Where("symbol = ?", symbol).Delete(&types.Position{}).Error
}

// LastFillPrice returns the most recent execution price for a symbol, or
// zero when the symbol has never traded.
func (d *Database) LastFillPrice(symbol string) (float64, error) {
	var fill types.Fill
	err := d.db.Where("symbol = ?", symbol).Order("id DESC").First(&fill).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fill.Price, nil
}
