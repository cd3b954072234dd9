package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/fetch"
	"github.com/batcontrol/batcontrol/pkg/log"
)

const defaultTibberURL = "https://api.tibber.com/v1-beta/gql"

const tibberQuery = `{
  viewer {
    homes {
      currentSubscription {
        priceInfo {
          current { total startsAt }
          today { total startsAt }
          tomorrow { total startsAt }
        }
      }
    }
  }
}`

// Tibber implements Provider for the Tibber subscription API. Prices are
// already gross EUR/kWh. Tomorrow's prices are published around 13:00 local
// time; a missing tomorrow array is not an error.
type Tibber struct {
	url       string
	token     string
	targetRes int
	location  *time.Location

	fetcher *fetch.Fetcher
	cache   *fetch.Cache[hourlySeries]
	now     func() time.Time
}

// NewTibber returns a Tibber provider authenticated with cfg.Token.
func NewTibber(cfg config.TariffConfig, f *fetch.Fetcher, targetRes int, loc *time.Location) *Tibber {
	url := cfg.URL
	if url == "" {
		url = defaultTibberURL
	}
	return &Tibber{
		url:       url,
		token:     cfg.Token,
		targetRes: targetRes,
		location:  loc,
		fetcher:   f,
		cache:     fetch.NewCache[hourlySeries](2),
		now:       time.Now,
	}
}

// Name implements Provider.
func (t *Tibber) Name() string { return "tibber" }

type tibberPrice struct {
	Total    float64 `json:"total"`
	StartsAt string  `json:"startsAt"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription struct {
					PriceInfo struct {
						Current  *tibberPrice  `json:"current"`
						Today    []tibberPrice `json:"today"`
						Tomorrow []tibberPrice `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GetPrices implements Provider.
func (t *Tibber) GetPrices(ctx context.Context) (map[int]float64, error) {
	now := t.now()
	s, err := cachedSeries(ctx, t.cache, t.Name(), func() (hourlySeries, error) {
		return t.fetchNative(ctx, now)
	})
	if err != nil {
		return nil, err
	}
	return alignPrices(s.reanchor(now), s.resolutionMin, t.targetRes, now), nil
}

func (t *Tibber) fetchNative(ctx context.Context, now time.Time) (hourlySeries, error) {
	payload, err := json.Marshal(map[string]string{"query": tibberQuery})
	if err != nil {
		return hourlySeries{}, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.url, strings.NewReader(string(payload)))
	if err != nil {
		return hourlySeries{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching tibber prices", slog.String("url", t.url))

	body, err := t.fetcher.GetWithRateLimit(ctx, t.Name(), req)
	if err != nil {
		return hourlySeries{}, err
	}

	var res tibberResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return hourlySeries{}, fmt.Errorf("failed to decode tibber response: %w", err)
	}
	if len(res.Errors) > 0 {
		return hourlySeries{}, fmt.Errorf("tibber api error: %s", res.Errors[0].Message)
	}
	if len(res.Data.Viewer.Homes) == 0 {
		return hourlySeries{}, fmt.Errorf("tibber returned no homes")
	}
	info := res.Data.Viewer.Homes[0].CurrentSubscription.PriceInfo

	anchor := now.In(t.location).Truncate(time.Hour)
	values := make([]float64, 0, len(info.Today)+len(info.Tomorrow))
	place := func(p tibberPrice) error {
		start, err := time.Parse(time.RFC3339, p.StartsAt)
		if err != nil {
			return fmt.Errorf("failed to parse tibber startsAt %q: %w", p.StartsAt, err)
		}
		idx := int(start.Sub(anchor).Hours())
		if idx < 0 {
			return nil
		}
		for len(values) <= idx {
			values = append(values, 0)
		}
		values[idx] = p.Total
		return nil
	}
	for _, p := range append(info.Today, info.Tomorrow...) {
		if err := place(p); err != nil {
			return hourlySeries{}, err
		}
	}
	// the explicit current price wins over today's entry for the same hour
	if info.Current != nil {
		if err := place(*info.Current); err != nil {
			return hourlySeries{}, err
		}
	}
	if len(values) == 0 {
		return hourlySeries{}, fmt.Errorf("tibber returned no current or future prices")
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched tibber prices",
		slog.Int("hours", len(values)),
		slog.Bool("hasTomorrow", len(info.Tomorrow) > 0),
	)
	return hourlySeries{anchor: anchor, resolutionMin: 60, values: values}, nil
}
