package handler

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/orderfeed/internal/binding"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/rs/zerolog"
)

// Watch is the part of *binding.Binding the HTTP surface reads.
// Narrow interface for testability.
type Watch interface {
	Name() string
	Scope() event.Scope
	State() binding.State
	Events() []event.Notification
	Latest() (event.Notification, bool)
	Err() error
	ClearLog()
}

// BindingHandler exposes the mounted bindings and their event logs.
type BindingHandler struct {
	watches map[string]Watch
	log     zerolog.Logger
}

func NewBindingHandler(log zerolog.Logger, watches ...Watch) *BindingHandler {
	m := make(map[string]Watch, len(watches))
	for _, w := range watches {
		m[w.Name()] = w
	}
	return &BindingHandler{watches: m, log: log}
}

// RegisterRoutes registers binding endpoints. Expected mount: /bindings
func (h *BindingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/events", h.Events)
		r.Delete("/events", h.ClearEvents)
	})
}

// --- Response types ---

type bindingResponse struct {
	Name      string         `json:"name"`
	Scope     string         `json:"scope"`
	Topic     string         `json:"topic,omitempty"`
	State     string         `json:"state"`
	Events    int            `json:"events"`
	Latest    *eventResponse `json:"latest,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

type eventResponse struct {
	OrderID       int64           `json:"orderId"`
	StatusID      int             `json:"statusId"`
	StatusName    string          `json:"statusName"`
	EstimatedTime *string         `json:"estimatedTime,omitempty"`
	OrderDate     string          `json:"orderDate"`
	CustomerID    *int64          `json:"customerId,omitempty"`
	CustomerName  *string         `json:"customerName,omitempty"`
	BranchID      *int64          `json:"branchId,omitempty"`
	Message       *string         `json:"message,omitempty"`
	Timestamp     json.RawMessage `json:"timestamp,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

func toEventResponse(n event.Notification) eventResponse {
	return eventResponse{
		OrderID:       n.OrderID,
		StatusID:      int(n.StatusCode),
		StatusName:    n.StatusName,
		EstimatedTime: n.EstimatedTime,
		OrderDate:     n.OrderDate,
		CustomerID:    n.CustomerID,
		CustomerName:  n.CustomerName,
		BranchID:      n.BranchID,
		Message:       n.Message,
		Timestamp:     n.Timestamp,
		ReceivedAt:    n.ReceivedAt,
	}
}

func toBindingResponse(w Watch) bindingResponse {
	resp := bindingResponse{
		Name:   w.Name(),
		Scope:  "none",
		State:  w.State().String(),
		Events: len(w.Events()),
	}
	if s := w.Scope(); s != nil {
		resp.Scope = s.String()
		resp.Topic = s.Topic()
	}
	if n, ok := w.Latest(); ok {
		e := toEventResponse(n)
		resp.Latest = &e
	}
	if err := w.Err(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}

// --- Handlers ---

// List handles GET /bindings.
func (h *BindingHandler) List(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.watches))
	for name := range h.watches {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := make([]bindingResponse, 0, len(names))
	for _, name := range names {
		resp = append(resp, toBindingResponse(h.watches[name]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /bindings/{name}.
func (h *BindingHandler) Get(w http.ResponseWriter, r *http.Request) {
	watch, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toBindingResponse(watch))
}

// Events handles GET /bindings/{name}/events. The log is returned oldest
// first.
func (h *BindingHandler) Events(w http.ResponseWriter, r *http.Request) {
	watch, ok := h.lookup(w, r)
	if !ok {
		return
	}
	events := watch.Events()
	resp := make([]eventResponse, 0, len(events))
	for _, n := range events {
		resp = append(resp, toEventResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearEvents handles DELETE /bindings/{name}/events.
func (h *BindingHandler) ClearEvents(w http.ResponseWriter, r *http.Request) {
	watch, ok := h.lookup(w, r)
	if !ok {
		return
	}
	watch.ClearLog()
	h.log.Info().Str("binding", watch.Name()).Msg("event log cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *BindingHandler) lookup(w http.ResponseWriter, r *http.Request) (Watch, bool) {
	watch, ok := h.watches[chi.URLParam(r, "name")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
		return nil, false
	}
	return watch, true
}
