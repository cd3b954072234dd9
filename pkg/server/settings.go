package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/types"
)

// Every setter takes {"value": <v>}. Invalid values get a 400 and leave the
// previous value in effect.
type setValueRequest struct {
	Value json.Number `json:"value"`
}

func decodeValue(w http.ResponseWriter, r *http.Request) (json.Number, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req setValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return "", false
	}
	return req.Value, true
}

func decodeFloat(w http.ResponseWriter, r *http.Request) (float64, bool) {
	raw, ok := decodeValue(w, r)
	if !ok {
		return 0, false
	}
	v, err := raw.Float64()
	if err != nil {
		writeJSONError(w, "value must be a number", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// setParameter runs one validated parameter mutation and responds with the
// resulting parameters.
func (s *Server) setParameter(w http.ResponseWriter, r *http.Request, name string, mutate func(*types.Parameters)) {
	ctx := r.Context()
	updated, err := s.core.UpdateParameters(mutate)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rejected parameter update", slog.String("parameter", name), slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "parameter updated", slog.String("parameter", name))
	writeJSON(w, updated)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, ok := decodeValue(w, r)
	if !ok {
		return
	}
	i, err := raw.Int64()
	if err != nil {
		writeJSONError(w, "mode must be an integer", http.StatusBadRequest)
		return
	}
	mode, err := types.ModeFromInt(int(i))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.core.SetOverride(mode, 0); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "mode override requested", slog.String("mode", mode.String()))
	writeJSON(w, struct {
		Mode     int    `json:"mode"`
		ModeName string `json:"modeName"`
	}{Mode: int(mode), ModeName: mode.String()})
}

func (s *Server) handleSetChargeRate(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeFloat(w, r)
	if !ok {
		return
	}
	if err := s.core.SetForceChargeRate(v); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		ChargeRateW float64 `json:"chargeRateW"`
	}{ChargeRateW: v})
}

func (s *Server) handleSetAlwaysAllowDischargeLimit(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeFloat(w, r)
	if !ok {
		return
	}
	s.setParameter(w, r, "alwaysAllowDischargeLimit", func(p *types.Parameters) {
		p.AlwaysAllowDischargeLimit = v
	})
}

func (s *Server) handleSetMaxChargingFromGridLimit(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeFloat(w, r)
	if !ok {
		return
	}
	s.setParameter(w, r, "maxChargingFromGridLimit", func(p *types.Parameters) {
		p.MaxChargingFromGridLimit = v
	})
}

func (s *Server) handleSetMinPriceDifference(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeFloat(w, r)
	if !ok {
		return
	}
	s.setParameter(w, r, "minPriceDifference", func(p *types.Parameters) {
		p.MinPriceDifference = v
	})
}

func (s *Server) handleSetMinPriceDifferenceRel(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeFloat(w, r)
	if !ok {
		return
	}
	s.setParameter(w, r, "minPriceDifferenceRel", func(p *types.Parameters) {
		p.MinPriceDifferenceRel = v
	})
}

func (s *Server) handleSetProductionOffset(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeFloat(w, r)
	if !ok {
		return
	}
	s.setParameter(w, r, "productionOffset", func(p *types.Parameters) {
		p.ProductionOffset = v
	})
}

func (s *Server) handleSetDischargeBlocked(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req struct {
		Value bool `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.setParameter(w, r, "dischargeBlocked", func(p *types.Parameters) {
		p.DischargeBlocked = req.Value
	})
}

func (s *Server) handleSetLimitPVChargeRate(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeFloat(w, r)
	if !ok {
		return
	}
	s.setParameter(w, r, "limitPVChargeRate", func(p *types.Parameters) {
		p.LimitPVChargeRateW = v
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.core.Status()
	if !ok {
		writeJSONError(w, "no tick completed yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, st)
}

// handleForecast returns only the forward-looking series from the last tick.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	st, ok := s.core.Status()
	if !ok {
		writeJSONError(w, "no tick completed yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, struct {
		Timestamp      time.Time `json:"timestamp"`
		Production     []float64 `json:"production"`
		Consumption    []float64 `json:"consumption"`
		NetConsumption []float64 `json:"netConsumption"`
		Prices         []float64 `json:"prices"`
	}{
		Timestamp:      st.Timestamp,
		Production:     st.Production,
		Consumption:    st.Consumption,
		NetConsumption: st.NetConsumption,
		Prices:         st.Prices,
	})
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.core.Parameters())
}
