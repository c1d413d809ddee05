package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360/canopy/component"
	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/pkg/timestamp"
	"github.com/c360/canopy/rule"
)

// outputKeyPrefix marks a selection key as an output series rather than
// a sensor series.
const outputKeyPrefix = "output:"

// defaultWindow is the query window when the caller gives no bounds.
const defaultWindow = time.Hour

type readingsResponse struct {
	Since  int64                         `json:"since"`
	Until  int64                         `json:"until"`
	Series map[string][]eventstore.Point `json:"series"`
}

type ruleStatusResponse struct {
	Active   []int64                    `json:"active"`
	Statuses map[int64]*rule.RuleStatus `json:"statuses"`
}

// handleReadings serves windowed series queries. Selection keys are
// comma-separated: "device:channel" for sensors (the device part may
// itself contain colons), "output:channel" for outputs.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	keysParam := r.URL.Query().Get("keys")
	if keysParam == "" {
		writeError(w, http.StatusBadRequest, "keys parameter is required")
		return
	}

	until, err := parseMillis(r.URL.Query().Get("until"), timestamp.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid until")
		return
	}
	since, err := parseMillis(r.URL.Query().Get("since"), until-defaultWindow.Milliseconds())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	if since >= until {
		writeError(w, http.StatusBadRequest, "since must be before until")
		return
	}

	var selectors []eventstore.Selector
	var outputs []string
	for _, key := range strings.Split(keysParam, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if channel, ok := strings.CutPrefix(key, outputKeyPrefix); ok {
			outputs = append(outputs, channel)
			continue
		}
		device, channel, ok := eventstore.SplitKey(key)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid key: "+key)
			return
		}
		selectors = append(selectors, eventstore.Selector{Device: device, Channel: channel})
	}

	series := make(map[string][]eventstore.Point)
	if len(selectors) > 0 {
		sensorSeries, err := s.store.QuerySensors(selectors, since, until)
		if err != nil {
			s.logger.Error("sensor query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		for k, v := range sensorSeries {
			series[k] = v
		}
	}
	if len(outputs) > 0 {
		outputSeries, err := s.store.QueryOutputs(outputs, since, until)
		if err != nil {
			s.logger.Error("output query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		for k, v := range outputSeries {
			series[k] = v
		}
	}

	writeJSON(w, http.StatusOK, readingsResponse{Since: since, Until: until, Series: series})
}

// handleOutputValues serves the current value of every output channel.
func (s *Server) handleOutputValues(w http.ResponseWriter, _ *http.Request) {
	values, err := s.store.CurrentOutputValues()
	if err != nil {
		s.logger.Error("output values query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// handleRuleStatus serves the engine's last-run results.
func (s *Server) handleRuleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ruleStatusResponse{
		Active:   s.rules.ActiveRuleIDs(),
		Statuses: s.rules.RuleStatuses(),
	})
}

type healthResponse struct {
	Status     string                            `json:"status"`
	Components map[string]component.HealthStatus `json:"components,omitempty"`
}

// handleHealth aggregates component healths: any unhealthy component
// degrades the whole endpoint to 503.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	if len(s.health) > 0 {
		resp.Components = make(map[string]component.HealthStatus, len(s.health))
		for _, src := range s.health {
			hs := src.Health()
			resp.Components[src.Name()] = hs
			if !hs.Healthy {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}
	writeJSON(w, status, resp)
}

func parseMillis(param string, fallback int64) (int64, error) {
	if param == "" {
		return fallback, nil
	}
	return strconv.ParseInt(param, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
