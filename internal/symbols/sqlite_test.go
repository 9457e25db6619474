package symbols

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"klinehub/internal/domain"
)

func TestSQLiteRegistry(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "symbols.db")

	reg, err := OpenSQLiteRegistry(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLiteRegistry: %v", err)
	}
	defer reg.Close()

	if reg.IsSupported("BTCUSDT", domain.MarketSpot) {
		t.Error("empty registry claims BTCUSDT is supported")
	}

	listed := time.Date(2017, 8, 17, 0, 0, 0, 0, time.UTC).UnixMicro()
	err = reg.Refresh(ctx, []Entry{
		{Symbol: "BTCUSDT", Market: domain.MarketSpot, ListedAt: listed},
		{Symbol: "BTCUSDT", Market: domain.MarketLinear, ListedAt: listed},
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if !reg.IsSupported("BTCUSDT", domain.MarketSpot) {
		t.Error("BTCUSDT/spot not supported after refresh")
	}
	if ts, ok := reg.ListingTime("BTCUSDT", domain.MarketLinear); !ok || ts != listed {
		t.Errorf("ListingTime = %d, %v; want %d, true", ts, ok, listed)
	}
	if reg.IsSupported("DOGEUSDT", domain.MarketSpot) {
		t.Error("unknown symbol reported as supported")
	}

	// Refresh replaces, not appends.
	if err := reg.Refresh(ctx, []Entry{{Symbol: "ETHUSDT", Market: domain.MarketSpot, ListedAt: listed}}); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if reg.IsSupported("BTCUSDT", domain.MarketSpot) {
		t.Error("BTCUSDT survived a replacing refresh")
	}

	// A reopened registry serves the persisted snapshot.
	reg.Close()
	reg2, err := OpenSQLiteRegistry(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reg2.Close()
	if !reg2.IsSupported("ETHUSDT", domain.MarketSpot) {
		t.Error("reopened registry lost ETHUSDT")
	}
}

func TestStaticRegistry(t *testing.T) {
	reg := NewStatic([]Entry{{Symbol: "BTCUSDT", Market: domain.MarketSpot, ListedAt: 1}})
	if !reg.IsSupported("BTCUSDT", domain.MarketSpot) {
		t.Error("static registry missing its entry")
	}
	if reg.IsSupported("BTCUSDT", domain.MarketLinear) {
		t.Error("market not isolated")
	}
}
