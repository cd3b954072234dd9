package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/batcontrol/batcontrol/pkg/types"
)

// Memory implements Database entirely in memory. It is the default backend
// for installations that don't care about history surviving restarts, and it
// backs the tests of everything that consumes storage.
type Memory struct {
	mu        sync.Mutex
	decisions map[int64]types.Decision
	prices    map[int64]types.PricePoint
	energy    map[int64]types.EnergyStats
}

// NewMemory returns an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{
		decisions: make(map[int64]types.Decision),
		prices:    make(map[int64]types.PricePoint),
		energy:    make(map[int64]types.EnergyStats),
	}
}

// InsertDecision adds the record of one evaluation tick.
func (m *Memory) InsertDecision(ctx context.Context, d types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.Timestamp.UnixNano()] = d
	return nil
}

// GetDecisionHistory retrieves decision records within [start, end).
func (m *Memory) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Decision
	for _, d := range m.decisions {
		if !d.Timestamp.Before(start) && d.Timestamp.Before(end) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// UpsertPrice adds or updates one interval of price history.
func (m *Memory) UpsertPrice(ctx context.Context, p types.PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[p.TSStart.UnixNano()] = p
	return nil
}

// GetPriceHistory retrieves price records within [start, end).
func (m *Memory) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PricePoint
	for _, p := range m.prices {
		if !p.TSStart.Before(start) && p.TSStart.Before(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TSStart.Before(out[j].TSStart) })
	return out, nil
}

// UpsertEnergyStats adds or updates one hour of measured energy.
func (m *Memory) UpsertEnergyStats(ctx context.Context, s types.EnergyStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.energy[s.TSHourStart.Truncate(time.Hour).UnixNano()] = s
	return nil
}

// GetEnergyHistory retrieves energy records within [start, end).
func (m *Memory) GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.EnergyStats
	for _, s := range m.energy {
		if !s.TSHourStart.Before(start) && s.TSHourStart.Before(end) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TSHourStart.Before(out[j].TSHourStart) })
	return out, nil
}

// GetLatestEnergyStatsTime retrieves the hour of the newest energy record.
func (m *Memory) GetLatestEnergyStatsTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, s := range m.energy {
		if s.TSHourStart.After(latest) {
			latest = s.TSHourStart
		}
	}
	return latest, nil
}

// Close implements Database.
func (m *Memory) Close() error { return nil }
