package database

import (
	"path/filepath"
	"testing"

	"github.com/ksred/brokerbridge/internal/types"
)

func TestNewDatabaseMigrates(t *testing.T) {
	db, err := NewDatabase(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewDatabase() returned error: %v", err)
	}

	for _, model := range []interface{}{&types.TradeRecord{}, &types.TradeXref{}, &types.IDAllocator{}} {
		if !db.Migrator().HasTable(model) {
			t.Errorf("table for %T was not created", model)
		}
	}
	if !db.Migrator().HasIndex(&types.TradeRecord{}, "idx_trade_records_status") {
		t.Error("idx_trade_records_status was not created")
	}
}

func TestNewDatabaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")
	if _, err := NewDatabase(path); err != nil {
		t.Fatalf("first NewDatabase() returned error: %v", err)
	}
	if _, err := NewDatabase(path); err != nil {
		t.Fatalf("second NewDatabase() returned error: %v", err)
	}
}
