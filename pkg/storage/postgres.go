package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/levenlabs/go-lflag"
	_ "github.com/lib/pq"
)

// PostgresDatabase implements Database on PostgreSQL. Records are stored as
// JSONB alongside their timestamp key, mirroring the Firestore layout so the
// two backends stay interchangeable.
type PostgresDatabase struct {
	db  *sql.DB
	url string
}

// configuredPostgres sets up the Postgres backend flags.
func configuredPostgres() *PostgresDatabase {
	url := lflag.String("postgres-url", "", "PostgreSQL connection string (postgres://...)")

	p := &PostgresDatabase{}

	lflag.Do(func() {
		p.url = *url
	})

	return p
}

// Validate checks the backend is configured.
func (p *PostgresDatabase) Validate() error {
	if p.url == "" {
		return fmt.Errorf("postgres-url is required")
	}
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	ts      TIMESTAMPTZ PRIMARY KEY,
	version INTEGER NOT NULL,
	data    JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS price_history (
	ts_start TIMESTAMPTZ PRIMARY KEY,
	version  INTEGER NOT NULL,
	data     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS energy_history (
	ts_hour TIMESTAMPTZ PRIMARY KEY,
	version INTEGER NOT NULL,
	data    JSONB NOT NULL
);`

// Init opens the connection pool and applies the schema.
func (p *PostgresDatabase) Init(ctx context.Context) error {
	db, err := sql.Open("postgres", p.url)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	p.db = db
	return nil
}

// Close closes the connection pool.
func (p *PostgresDatabase) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// InsertDecision adds the record of one evaluation tick.
func (p *PostgresDatabase) InsertDecision(ctx context.Context, d types.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO decisions (ts, version, data) VALUES ($1, $2, $3)
		 ON CONFLICT (ts) DO UPDATE SET version = $2, data = $3`,
		d.Timestamp.UTC(), types.CurrentDecisionVersion, data)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// GetDecisionHistory retrieves decision records within [start, end).
func (p *PostgresDatabase) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT data FROM decisions WHERE ts >= $1 AND ts < $2 ORDER BY ts ASC`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []types.Decision
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		var d types.Decision
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// UpsertPrice adds or updates one interval of price history.
func (p *PostgresDatabase) UpsertPrice(ctx context.Context, pp types.PricePoint) error {
	data, err := json.Marshal(pp)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO price_history (ts_start, version, data) VALUES ($1, $2, $3)
		 ON CONFLICT (ts_start) DO UPDATE SET version = $2, data = $3`,
		pp.TSStart.UTC(), types.CurrentPriceHistoryVersion, data)
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// GetPriceHistory retrieves price records within [start, end).
func (p *PostgresDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT data FROM price_history WHERE ts_start >= $1 AND ts_start < $2 ORDER BY ts_start ASC`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var prices []types.PricePoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		var pp types.PricePoint
		if err := json.Unmarshal(data, &pp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal price: %w", err)
		}
		prices = append(prices, pp)
	}
	return prices, rows.Err()
}

// UpsertEnergyStats adds or updates one hour of measured energy.
func (p *PostgresDatabase) UpsertEnergyStats(ctx context.Context, s types.EnergyStats) error {
	if s.TSHourStart.IsZero() {
		return fmt.Errorf("energy stats missing tsHourStart")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal energy stats: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO energy_history (ts_hour, version, data) VALUES ($1, $2, $3)
		 ON CONFLICT (ts_hour) DO UPDATE SET version = $2, data = $3`,
		s.TSHourStart.UTC().Truncate(time.Hour), types.CurrentEnergyStatsVersion, data)
	if err != nil {
		return fmt.Errorf("failed to upsert energy stats: %w", err)
	}
	return nil
}

// GetEnergyHistory retrieves energy records within [start, end).
func (p *PostgresDatabase) GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT data FROM energy_history WHERE ts_hour >= $1 AND ts_hour < $2 ORDER BY ts_hour ASC`,
		start.UTC().Truncate(time.Hour), end.UTC().Truncate(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to query energy history: %w", err)
	}
	defer rows.Close()

	var allStats []types.EnergyStats
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan energy row: %w", err)
		}
		var s types.EnergyStats
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal energy stats: %w", err)
		}
		allStats = append(allStats, s)
	}
	return allStats, rows.Err()
}

// GetLatestEnergyStatsTime retrieves the hour of the newest energy record.
func (p *PostgresDatabase) GetLatestEnergyStatsTime(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := p.db.QueryRowContext(ctx, `SELECT ts_hour FROM energy_history ORDER BY ts_hour DESC LIMIT 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest energy stats: %w", err)
	}
	return ts, nil
}
