package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/batcontrol/batcontrol/pkg/common"
	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/interval"
	"github.com/batcontrol/batcontrol/pkg/log"
)

// Evcc implements Provider against a local evcc instance's tariff API. The
// endpoint is on the local network, so it bypasses the rate-limit layer and
// uses the short local timeout. evcc may serve 15-minute rates depending on
// the upstream tariff; the native resolution is detected per response.
type Evcc struct {
	url       string
	targetRes int

	client *http.Client
	now    func() time.Time
}

// NewEvcc returns a provider reading from cfg.URL, typically
// http://evcc.local:7070/api/tariff/grid.
func NewEvcc(cfg config.TariffConfig, targetRes int) *Evcc {
	return &Evcc{
		url:       cfg.URL,
		targetRes: targetRes,
		client:    common.HTTPClient(common.LocalAPITimeout),
		now:       time.Now,
	}
}

// Name implements Provider.
func (e *Evcc) Name() string { return "evcc" }

type evccRate struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Price float64   `json:"price"`
}

type evccResponse struct {
	Result struct {
		Rates []evccRate `json:"rates"`
	} `json:"result"`
}

// GetPrices implements Provider.
func (e *Evcc) GetPrices(ctx context.Context) (map[int]float64, error) {
	now := e.now()
	s, err := e.fetchNative(ctx, now)
	if err != nil {
		return nil, err
	}
	return alignPrices(s.reanchor(now), s.resolutionMin, e.targetRes, now), nil
}

func (e *Evcc) fetchNative(ctx context.Context, now time.Time) (hourlySeries, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", e.url, nil)
	if err != nil {
		return hourlySeries{}, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching evcc prices", slog.String("url", e.url))

	resp, err := e.client.Do(req)
	if err != nil {
		return hourlySeries{}, fmt.Errorf("failed to fetch evcc prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hourlySeries{}, fmt.Errorf("evcc api returned status: %d", resp.StatusCode)
	}

	var res evccResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return hourlySeries{}, fmt.Errorf("failed to decode evcc response: %w", err)
	}
	rates := res.Result.Rates
	if len(rates) == 0 {
		return hourlySeries{}, fmt.Errorf("evcc returned no rates")
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Start.Before(rates[j].Start) })

	nativeRes := interval.Hourly
	if d := rates[0].End.Sub(rates[0].Start); d == 15*time.Minute {
		nativeRes = interval.Quarter
	}

	anchor := now.Truncate(time.Hour)
	var values []float64
	for _, r := range rates {
		idx := int(r.Start.Sub(anchor).Minutes()) / nativeRes
		if idx < 0 || r.Start.Before(anchor) {
			continue
		}
		for len(values) <= idx {
			if len(values) > 0 {
				values = append(values, values[len(values)-1])
			} else {
				values = append(values, 0)
			}
		}
		values[idx] = r.Price
	}
	if len(values) == 0 {
		return hourlySeries{}, fmt.Errorf("evcc returned no current or future rates")
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched evcc prices",
		slog.Int("count", len(values)),
		slog.Int("nativeResolution", nativeRes),
	)
	return hourlySeries{anchor: anchor, resolutionMin: nativeRes, values: values}, nil
}
