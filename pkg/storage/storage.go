// Package storage persists decisions, prices, and energy history. Backends
// are selected by flag; all of them store records as JSON blobs keyed by
// RFC3339 timestamps so history queries are simple range scans.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Database defines the interface for persisting controller history.
type Database interface {
	// Decisions
	// InsertDecision adds the record of one evaluation tick.
	InsertDecision(ctx context.Context, d types.Decision) error
	GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error)

	// Prices
	// UpsertPrice adds or updates one interval of tariff history.
	UpsertPrice(ctx context.Context, p types.PricePoint) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error)

	// Energy
	// UpsertEnergyStats adds or updates one hour of measured energy.
	UpsertEnergyStats(ctx context.Context, s types.EnergyStats) error
	GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error)
	// GetLatestEnergyStatsTime returns the hour start of the newest record,
	// or the zero time when no records exist.
	GetLatestEnergyStatsTime(ctx context.Context) (time.Time, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage backend based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage backend to use (available: memory, firestore, postgres)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "memory":
			p.Database = NewMemory()
		case "firestore":
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = fs
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
			p.Database = pg
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
