// Package httpapi is the HTTP+websocket transport over the control
// surface: one endpoint per lifecycle/observability operation, plus a
// /events websocket pushing a full status snapshot at one-second
// granularity. The package is a thin adapter — all semantics live in
// internal/control; handlers only translate JSON and status codes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mcdaq/internal/control"
	"mcdaq/internal/coreerr"
	"mcdaq/internal/mc3e"
	"mcdaq/internal/oraclestore"
	"mcdaq/internal/plcpool"
	"mcdaq/internal/polling"
)

type handlers struct {
	surface *control.Surface
	hub     *Hub
}

// NewRouter builds the control-surface router. apiKeyHash, when non-empty,
// is a bcrypt hash every request's X-API-Key header is checked against.
func NewRouter(surface *control.Surface, hub *Hub, apiKeyHash string) chi.Router {
	h := &handlers{surface: surface, hub: hub}

	r := chi.NewRouter()
	r.Use(requireAPIKey(apiKeyHash))

	r.Get("/events", hub.ServeWS)

	r.Route("/groups", func(r chi.Router) {
		r.Get("/", h.handleGroupStatusAll)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.handleGroupStatus)
			r.Post("/start", h.handleGroupStart)
			r.Post("/stop", h.handleGroupStop)
			r.Post("/restart", h.handleGroupRestart)
			r.Post("/trigger", h.handleGroupTrigger)
		})
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/", h.handleSystemStatus)
		r.Post("/start", h.handleSystemStart)
		r.Post("/stop", h.handleSystemStop)
	})

	r.Get("/buffer", h.handleBufferStats)
	r.Get("/writer", h.handleWriterMetrics)
	r.Get("/pools/{plc}", h.handlePoolStats)
	r.Post("/plcs/{plc}/reactivate", h.handleReactivate)
	r.Post("/plc-test", h.handlePLCTest)
	r.Post("/failures/reap", h.handleReapFailures)

	return r
}

// errorResponse is the JSON body for any non-2xx result.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes: configuration
// errors (unknown names, invalid requests, already-running, capacity
// exceeded) are 400, an inactivated PLC is 409, everything else is 500.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	if kind, ok := coreerr.KindOf(err); ok {
		resp.Kind = kind.String()
	}
	switch {
	case coreerr.Is(err, coreerr.KindConfiguration):
		status = http.StatusBadRequest
	case coreerr.Is(err, coreerr.KindPLCInactivation):
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *handlers) handleGroupStart(w http.ResponseWriter, r *http.Request) {
	if err := h.surface.GroupStart(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// stopTimeout parses the optional ?timeout= query (seconds), zero meaning
// the engine's default.
func stopTimeout(r *http.Request) time.Duration {
	if v := r.URL.Query().Get("timeout"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func (h *handlers) handleGroupStop(w http.ResponseWriter, r *http.Request) {
	if err := h.surface.GroupStop(chi.URLParam(r, "name"), stopTimeout(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *handlers) handleGroupRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.surface.GroupRestart(chi.URLParam(r, "name"), stopTimeout(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *handlers) handleGroupTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.surface.GroupTrigger(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// groupResponse flattens polling.GroupStatus for JSON consumers.
type groupResponse struct {
	Name                string    `json:"name"`
	Mode                string    `json:"mode"`
	State               string    `json:"state"`
	TotalPolls          int64     `json:"total_polls"`
	SuccessCount        int64     `json:"success_count"`
	ErrorCount          int64     `json:"error_count"`
	LastPollTime        time.Time `json:"last_poll_time"`
	AvgPollDurationMS   int64     `json:"avg_poll_duration_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

func toGroupResponse(s *polling.GroupStatus) groupResponse {
	return groupResponse{
		Name:                s.Name,
		Mode:                s.Mode.String(),
		State:               s.State.String(),
		TotalPolls:          s.TotalPolls,
		SuccessCount:        s.SuccessCount,
		ErrorCount:          s.ErrorCount,
		LastPollTime:        s.LastPollTime,
		AvgPollDurationMS:   s.AvgPollDuration.Milliseconds(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastError:           s.LastError,
	}
}

func (h *handlers) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.surface.GroupStatus(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupResponse(status))
}

func (h *handlers) handleGroupStatusAll(w http.ResponseWriter, r *http.Request) {
	statuses := h.surface.GroupStatusAll()
	out := make([]groupResponse, len(statuses))
	for i, s := range statuses {
		out[i] = toGroupResponse(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// systemResponse mirrors control.SystemStatus for JSON consumers.
type systemResponse struct {
	Running       bool                `json:"running"`
	RunningGroups int                 `json:"running_groups"`
	Buffer        control.BufferStats `json:"buffer"`
	Writer        oraclestore.Metrics `json:"writer"`
}

func toSystemResponse(s control.SystemStatus) systemResponse {
	return systemResponse{
		Running:       s.Running,
		RunningGroups: s.RunningGroups,
		Buffer:        s.Buffer,
		Writer:        s.Writer,
	}
}

func (h *handlers) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSystemResponse(h.surface.SystemStatus()))
}

func (h *handlers) handleSystemStart(w http.ResponseWriter, r *http.Request) {
	if err := h.surface.SystemStart(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type systemStopResponse struct {
	OK     bool              `json:"ok"`
	Groups map[string]string `json:"groups,omitempty"`
}

func (h *handlers) handleSystemStop(w http.ResponseWriter, r *http.Request) {
	results, err := h.surface.SystemStop()
	if err != nil {
		writeError(w, err)
		return
	}
	resp := systemStopResponse{OK: true}
	for name, stopErr := range results {
		if stopErr != nil {
			if resp.Groups == nil {
				resp.Groups = make(map[string]string)
			}
			resp.Groups[name] = stopErr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleBufferStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.surface.BufferStats())
}

func (h *handlers) handleWriterMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.surface.WriterMetrics())
}

func (h *handlers) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.surface.PoolStats(chi.URLParam(r, "plc")))
}

func (h *handlers) handleReactivate(w http.ResponseWriter, r *http.Request) {
	h.surface.ReactivatePLC(chi.URLParam(r, "plc"))
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// plcTestRequest is a candidate PLC config plus the addresses to read from
// it, validated with a throwaway connection that never touches the pools.
type plcTestRequest struct {
	Host             string   `json:"host"`
	Port             int      `json:"port"`
	Network          byte     `json:"network"`
	PC               byte     `json:"pc"`
	DestModuleIO     uint16   `json:"dest_module_io"`
	DestStation      byte     `json:"dest_station"`
	ConnectTimeoutMS int      `json:"connect_timeout_ms"`
	Addresses        []string `json:"addresses"`
}

type plcTestResponse struct {
	Connected bool              `json:"connected"`
	Values    map[string]uint16 `json:"values,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (h *handlers) handlePLCTest(w http.ResponseWriter, r *http.Request) {
	var req plcTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return
	}

	addrs := make([]mc3e.Address, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		addr, err := mc3e.ParseAddress(a)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		addrs = append(addrs, addr)
	}

	cfg := plcpool.Config{
		Code:           "plc-test",
		Host:           req.Host,
		Port:           req.Port,
		Network:        req.Network,
		PC:             req.PC,
		DestModuleIO:   req.DestModuleIO,
		DestStation:    req.DestStation,
		ConnectTimeout: time.Duration(req.ConnectTimeoutMS) * time.Millisecond,
		Enabled:        true,
	}

	result := control.PLCTest(cfg, addrs)
	resp := plcTestResponse{Connected: result.Connected, Error: result.Err}
	if len(result.Values) > 0 {
		resp.Values = make(map[string]uint16, len(result.Values))
		for addr, v := range result.Values {
			if v.Kind == mc3e.KindBit {
				resp.Values[addr.String()] = uint16(v.Bit)
			} else {
				resp.Values[addr.String()] = v.Word
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type reapResponse struct {
	Removed int `json:"removed"`
}

// handleReapFailures removes failure-log directories older than ?days=
// (default 30).
func (h *handlers) handleReapFailures(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be a positive integer"})
			return
		}
		days = n
	}
	removed, err := h.surface.ReapFailureLogs(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reapResponse{Removed: removed})
}
