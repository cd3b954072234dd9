package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/core"
	"github.com/batcontrol/batcontrol/pkg/inverter"
	"github.com/batcontrol/batcontrol/pkg/storage"
	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTariff struct{ prices map[int]float64 }

func (s *stubTariff) Name() string { return "stub" }

func (s *stubTariff) GetPrices(ctx context.Context) (map[int]float64, error) {
	return s.prices, nil
}

type stubSolar struct{ forecast map[int]float64 }

func (s *stubSolar) Name() string { return "stub" }

func (s *stubSolar) GetForecast(ctx context.Context) (map[int]float64, error) {
	return s.forecast, nil
}

type stubConsumption struct{ forecast map[int]float64 }

func (s *stubConsumption) Name() string { return "stub" }

func (s *stubConsumption) GetForecast(ctx context.Context, hours int) (map[int]float64, error) {
	return s.forecast, nil
}

func newTestServer(t *testing.T) (*Server, *core.Core, *storage.Memory) {
	t.Helper()
	cfg := config.Config{
		Timezone:                      "UTC",
		EvaluationIntervalMinutes:     3,
		TargetResolutionMinutes:       60,
		ForecastErrorToleranceSeconds: 600,
		Inverter: config.InverterConfig{
			Type:               "mock",
			DesignCapacityWh:   10000,
			MinSOCPercent:      5,
			MaxSOCPercent:      95,
			MaxGridChargeRateW: 5000,
		},
		BatteryControl: types.DefaultParameters(),
	}
	mock, err := inverter.FromConfig(cfg.Inverter)
	require.NoError(t, err)

	db := storage.NewMemory()
	c := core.New(
		cfg,
		&stubTariff{prices: map[int]float64{0: 0.30, 1: 0.25, 2: 0.20}},
		&stubSolar{forecast: map[int]float64{0: 0, 1: 0, 2: 0}},
		&stubConsumption{forecast: map[int]float64{0: 500, 1: 500, 2: 500}},
		mock,
		db,
	)
	s := &Server{core: c, db: db, hub: NewHub(), bypassAuth: true}
	c.AddPublisher(s.hub)
	return s, c, db
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestSetParameter(t *testing.T) {
	s, c, _ := newTestServer(t)
	handler := s.setupHandler()

	w := postJSON(t, handler, "/api/minPriceDifference", `{"value": 0.08}`)
	require.Equal(t, http.StatusOK, w.Code)

	var params types.Parameters
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &params))
	assert.Equal(t, 0.08, params.MinPriceDifference)
	assert.Equal(t, 0.08, c.Parameters().MinPriceDifference)
}

func TestSetParameterInvalidPreservesPrevious(t *testing.T) {
	s, c, _ := newTestServer(t)
	handler := s.setupHandler()

	w := postJSON(t, handler, "/api/alwaysAllowDischargeLimit", `{"value": 1.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0.9, c.Parameters().AlwaysAllowDischargeLimit)

	w = postJSON(t, handler, "/api/productionOffset", `{"value": "garbage"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1.0, c.Parameters().ProductionOffset)
}

func TestSetDischargeBlocked(t *testing.T) {
	s, c, _ := newTestServer(t)
	handler := s.setupHandler()

	w := postJSON(t, handler, "/api/dischargeBlocked", `{"value": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, c.Parameters().DischargeBlocked)
}

func TestSetMode(t *testing.T) {
	s, _, _ := newTestServer(t)
	handler := s.setupHandler()

	w := postJSON(t, handler, "/api/mode", `{"value": -1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "FORCE_CHARGE"))

	w = postJSON(t, handler, "/api/mode", `{"value": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusBeforeFirstTick(t *testing.T) {
	s, _, _ := newTestServer(t)
	handler := s.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusAfterTick(t *testing.T) {
	s, c, _ := newTestServer(t)
	handler := s.setupHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		_, ok := c.Status()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var st types.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, types.ModeAllowDischarge, st.Mode)
	assert.Len(t, st.Prices, 3)
}

func TestHistoryDecisions(t *testing.T) {
	s, _, db := newTestServer(t)
	handler := s.setupHandler()

	now := time.Now().UTC()
	require.NoError(t, db.InsertDecision(context.Background(), types.Decision{
		Timestamp: now.Add(-time.Hour),
		Reason:    types.ReasonNoReservationNeeded,
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/history/decisions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var decisions []types.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decisions))
	require.Len(t, decisions, 1)
	assert.Equal(t, types.ReasonNoReservationNeeded, decisions[0].Reason)
}

func TestHistoryInvalidRange(t *testing.T) {
	s, _, _ := newTestServer(t)
	handler := s.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/history/decisions?start=2026-08-24T00:00:00Z&end=garbage", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.bypassAuth = false
	s.verifier = func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
		if rawIDToken == "good" {
			return &oidc.IDToken{}, nil
		}
		return nil, errors.New("invalid token")
	}
	handler := s.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/parameters", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/parameters", nil)
	req.Header.Set("Authorization", "Bearer bad")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/parameters", nil)
	req.Header.Set("Authorization", "Bearer good")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebsocketBroadcast(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.setupHandler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.hub.PublishStatus(context.Background(), types.Status{Mode: types.ModeAvoidDischarge, ModeName: "AVOID_DISCHARGE"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env wsEnvelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, wsTypeStatus, env.Type)

	var st types.Status
	require.NoError(t, json.Unmarshal(env.Payload, &st))
	assert.Equal(t, types.ModeAvoidDischarge, st.Mode)
}
