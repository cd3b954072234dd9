package consumption

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/storage"
)

// maxObservationWeight is the weight of the most recent observation of a
// weekday/hour slot; the oldest gets weight 1 and the rest fall linearly in
// between. Recent weeks reflect the household's current habits better than
// old ones.
const maxObservationWeight = 10.0

// History implements Provider from measured energy history: the forecast for
// a future hour is the weighted average of the same weekday-and-hour over the
// past historyDays days.
type History struct {
	db          storage.Database
	historyDays int
	targetRes   int
	location    *time.Location
	now         func() time.Time
}

// NewHistory returns a history-driven provider reading from db.
func NewHistory(db storage.Database, historyDays, targetRes int, loc *time.Location) *History {
	return &History{
		db:          db,
		historyDays: historyDays,
		targetRes:   targetRes,
		location:    loc,
		now:         time.Now,
	}
}

// Name implements Provider.
func (h *History) Name() string { return "history" }

// slotKey identifies a weekday/hour combination in local time.
type slotKey struct {
	weekday time.Weekday
	hour    int
}

// GetForecast implements Provider.
func (h *History) GetForecast(ctx context.Context, hours int) (map[int]float64, error) {
	now := h.now()
	anchor := now.Truncate(time.Hour)

	stats, err := h.db.GetEnergyHistory(ctx, now.AddDate(0, 0, -h.historyDays), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load energy history: %w", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no consumption history available")
	}

	// a gap in recent stats means the forecast leans on old habits
	if latest, err := h.db.GetLatestEnergyStatsTime(ctx); err == nil && !latest.IsZero() {
		if age := now.Sub(latest); age > 48*time.Hour {
			log.Ctx(ctx).WarnContext(
				ctx,
				"energy history has not been updated recently",
				slog.Duration("age", age),
			)
		}
	}

	// group observations per weekday/hour slot; GetEnergyHistory returns
	// them oldest first so the slice order is the recency order
	slots := make(map[slotKey][]float64)
	var total float64
	for _, s := range stats {
		local := s.TSHourStart.In(h.location)
		k := slotKey{weekday: local.Weekday(), hour: local.Hour()}
		slots[k] = append(slots[k], s.ConsumptionWh)
		total += s.ConsumptionWh
	}
	overallAvg := total / float64(len(stats))

	values := make([]float64, hours)
	var missed int
	for i := range values {
		local := anchor.Add(time.Duration(i) * time.Hour).In(h.location)
		k := slotKey{weekday: local.Weekday(), hour: local.Hour()}
		if obs := slots[k]; len(obs) > 0 {
			values[i] = weightedAverage(obs)
		} else {
			values[i] = overallAvg
			missed++
		}
	}
	if missed > 0 {
		log.Ctx(ctx).DebugContext(
			ctx,
			"consumption slots without history filled with overall average",
			slog.Int("missed", missed),
			slog.Int("hours", hours),
		)
	}
	return alignEnergy(values, h.targetRes, now), nil
}

// weightedAverage averages observations ordered oldest to newest, weighting
// the newest maxObservationWeight and the oldest 1.
func weightedAverage(obs []float64) float64 {
	n := len(obs)
	if n == 1 {
		return obs[0]
	}
	step := (maxObservationWeight - 1) / float64(n-1)
	var sum, weightSum float64
	for i, v := range obs {
		w := 1 + step*float64(i)
		sum += v * w
		weightSum += w
	}
	return sum / weightSum
}
