package delivery

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mossy-p/telehealth-relay/internal/models"
)

// ErrNotFound is returned when no record exists for an order id.
var ErrNotFound = errors.New("delivery not found")

// Store persists delivery records.
type Store interface {
	Create(ctx context.Context, d *models.Delivery) error
	Get(ctx context.Context, orderID string) (*models.Delivery, error)
	ListActive(ctx context.Context) ([]*models.Delivery, error)
	Save(ctx context.Context, d *models.Delivery) error
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&models.Delivery{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// GormStore is a Store backed by GORM.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, d *models.Delivery) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, orderID string) (*models.Delivery, error) {
	var d models.Delivery
	if err := s.db.WithContext(ctx).First(&d, "order_id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find delivery: %w", err)
	}
	return &d, nil
}

// ListActive returns every record whose status is not terminal.
func (s *GormStore) ListActive(ctx context.Context) ([]*models.Delivery, error) {
	var out []*models.Delivery
	err := s.db.WithContext(ctx).
		Where("status <> ?", models.DeliveryDelivered).
		Order("order_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return out, nil
}

// Save writes status and location of an existing record.
func (s *GormStore) Save(ctx context.Context, d *models.Delivery) error {
	result := s.db.WithContext(ctx).
		Model(&models.Delivery{}).
		Where("order_id = ?", d.OrderID).
		Updates(map[string]any{
			"status": d.Status,
			"lat":    d.Lat,
			"lng":    d.Lng,
		})
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
