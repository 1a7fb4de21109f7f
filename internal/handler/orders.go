package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/orderfeed/internal/enum"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/rs/zerolog"
)

// CommandPublisher sends status change commands to the broker.
// Satisfied by *client.Client.
type CommandPublisher interface {
	Publish(cmd event.StatusChangeCommand) error
}

// OrderHandler turns HTTP status updates into broker commands.
type OrderHandler struct {
	pub CommandPublisher
	log zerolog.Logger
}

func NewOrderHandler(pub CommandPublisher, log zerolog.Logger) *OrderHandler {
	return &OrderHandler{pub: pub, log: log}
}

// RegisterRoutes registers order endpoints. Expected mount: /orders
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{id}/status", h.UpdateStatus)
}

type updateStatusRequest struct {
	StatusID      *int   `json:"statusId"`
	EstimatedTime string `json:"estimatedTime"`
}

type updateStatusResponse struct {
	OrderID       int64  `json:"orderId"`
	StatusID      int    `json:"statusId"`
	StatusName    string `json:"statusName"`
	EstimatedTime string `json:"estimatedTime,omitempty"`
}

// UpdateStatus handles POST /orders/{id}/status. The command is fire and
// forget: 202 means it was handed to the broker, not that it was applied.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order ID"})
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.StatusID == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "statusId is required"})
		return
	}

	cmd, err := event.NewStatusChangeCommand(orderID, enum.StatusCode(*req.StatusID), req.EstimatedTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status"})
		return
	}

	if err := h.pub.Publish(cmd); err != nil {
		switch {
		case errors.Is(err, errs.ErrNotConnected):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not connected to broker"})
		case errs.IsKind(err, errs.KindTransport):
			h.log.Warn().Err(err).Int64("order_id", orderID).Msg("publish status change")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "broker send failed"})
		default:
			h.log.Error().Err(err).Int64("order_id", orderID).Msg("publish status change")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, updateStatusResponse{
		OrderID:       cmd.OrderID,
		StatusID:      int(cmd.NewStatus),
		StatusName:    cmd.NewStatus.String(),
		EstimatedTime: cmd.EstimatedTime,
	})
}
