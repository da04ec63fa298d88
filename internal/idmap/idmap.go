package idmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ksred/brokerbridge/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FirstLocalID is the first id handed out by an empty store. Lower values are
// left free for anything the engine treats as meaningful.
const FirstLocalID int32 = 1000

const allocatorRow = 1

// Store persists trade records and maps brokerage order ids to local trade ids.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AllocateLocalID returns the next local id and advances the counter. Ids are
// never reused, even after their records are deleted.
func (s *Store) AllocateLocalID(ctx context.Context) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return 0, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var alloc types.IDAllocator
	err := tx.First(&alloc, allocatorRow).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		alloc = types.IDAllocator{ID: allocatorRow, NextLocalID: FirstLocalID}
	case err != nil:
		tx.Rollback()
		return 0, fmt.Errorf("failed to read allocator: %w", err)
	}

	id := alloc.NextLocalID
	alloc.NextLocalID++
	if err := tx.Save(&alloc).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to advance allocator: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return id, nil
}

// Put inserts rec or replaces the record already stored under its local id.
func (s *Store) Put(ctx context.Context, rec *types.TradeRecord) error {
	if rec.ID != 0 {
		return s.db.WithContext(ctx).Save(rec).Error
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "local_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

// GetByLocalID returns nil, nil when no record exists.
func (s *Store) GetByLocalID(ctx context.Context, localID int32) (*types.TradeRecord, error) {
	var rec types.TradeRecord
	if err := s.db.WithContext(ctx).Where("local_id = ?", localID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetByBrokerOrderID looks through the trade records first and then the
// cross references of child orders. It returns nil, nil when neither knows the id.
func (s *Store) GetByBrokerOrderID(ctx context.Context, orderID int64) (*types.TradeRecord, error) {
	var rec types.TradeRecord
	err := s.db.WithContext(ctx).Where("broker_order_id = ?", orderID).First(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var xref types.TradeXref
	if err := s.db.WithContext(ctx).Where("secondary_order_id = ?", orderID).First(&xref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetByLocalID(ctx, xref.LocalID)
}

// All returns every record ordered by local id.
func (s *Store) All(ctx context.Context) ([]types.TradeRecord, error) {
	var recs []types.TradeRecord
	if err := s.db.WithContext(ctx).Order("local_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// UpdateStatus records the latest brokerage status and fill of a trade.
func (s *Store) UpdateStatus(ctx context.Context, localID int32, status string, filled float64) error {
	res := s.db.WithContext(ctx).Model(&types.TradeRecord{}).
		Where("local_id = ?", localID).
		Updates(map[string]interface{}{"status": status, "filled": filled})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &types.NotFoundError{Kind: "trade", ID: fmt.Sprint(localID)}
	}
	return nil
}

// DeleteBatch removes the records and cross references of the given local ids.
func (s *Store) DeleteBatch(ctx context.Context, localIDs []int32) error {
	if len(localIDs) == 0 {
		return nil
	}

	tx := s.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Unscoped().Where("local_id IN ?", localIDs).Delete(&types.TradeXref{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Unscoped().Where("local_id IN ?", localIDs).Delete(&types.TradeRecord{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// PutXref links a secondary brokerage order to a local trade.
func (s *Store) PutXref(ctx context.Context, xref *types.TradeXref) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "secondary_order_id"}},
		UpdateAll: true,
	}).Create(xref).Error
}

func (s *Store) GetXrefs(ctx context.Context, localID int32) ([]types.TradeXref, error) {
	var xrefs []types.TradeXref
	if err := s.db.WithContext(ctx).Where("local_id = ?", localID).Order("secondary_order_id").Find(&xrefs).Error; err != nil {
		return nil, err
	}
	return xrefs, nil
}
