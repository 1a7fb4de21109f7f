package event

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/kiwari-pos/orderfeed/internal/enum"
	"github.com/kiwari-pos/orderfeed/internal/errs"
)

// Notification is a decoded order status event. Values are never modified
// after Decode returns them.
type Notification struct {
	OrderID       int64           `json:"pedidoId"`
	StatusCode    enum.StatusCode `json:"estadoId"`
	StatusName    string          `json:"estadoNombre"`
	EstimatedTime *string         `json:"tiempoEstimado,omitempty"`
	OrderDate     string          `json:"fecha"`
	CustomerID    *int64          `json:"usuarioId,omitempty"`
	CustomerName  *string         `json:"usuarioNombre,omitempty"`
	BranchID      *int64          `json:"sucursalId,omitempty"`
	Message       *string         `json:"mensaje,omitempty"`
	// Timestamp is the producer's timestamp, kept as sent (number or string).
	Timestamp json.RawMessage `json:"timestamp,omitempty"`

	// ReceivedAt is stamped locally by Decode.
	ReceivedAt time.Time `json:"-"`
}

// wireNotification mirrors Notification with pointers on the required fields
// so Decode can tell a missing field from a zero value.
type wireNotification struct {
	OrderID       *int64           `json:"pedidoId"`
	StatusCode    *enum.StatusCode `json:"estadoId"`
	StatusName    string           `json:"estadoNombre"`
	EstimatedTime *string          `json:"tiempoEstimado"`
	OrderDate     string           `json:"fecha"`
	CustomerID    *int64           `json:"usuarioId"`
	CustomerName  *string          `json:"usuarioNombre"`
	BranchID      *int64           `json:"sucursalId"`
	Message       *string          `json:"mensaje"`
	Timestamp     json.RawMessage  `json:"timestamp"`
}

// Decode parses one inbound frame body. It returns a KindDecode error and a
// zero Notification for anything that is not a complete event.
func Decode(body []byte, receivedAt time.Time) (Notification, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Notification{}, errs.Decode("notification", errs.New("empty body"))
	}

	var w wireNotification
	if err := json.Unmarshal(body, &w); err != nil {
		return Notification{}, errs.Decode("notification", err)
	}
	if w.OrderID == nil || *w.OrderID <= 0 {
		return Notification{}, errs.Decode("notification", errs.New("missing or invalid pedidoId"))
	}
	if w.StatusCode == nil || !w.StatusCode.Valid() {
		return Notification{}, errs.Decode("notification", errs.New("missing or unknown estadoId"))
	}

	name := w.StatusName
	if name == "" {
		name = w.StatusCode.String()
	}

	ts := w.Timestamp
	if bytes.Equal(ts, []byte("null")) {
		ts = nil
	}

	return Notification{
		OrderID:       *w.OrderID,
		StatusCode:    *w.StatusCode,
		StatusName:    name,
		EstimatedTime: w.EstimatedTime,
		OrderDate:     w.OrderDate,
		CustomerID:    w.CustomerID,
		CustomerName:  w.CustomerName,
		BranchID:      w.BranchID,
		Message:       w.Message,
		Timestamp:     ts,
		ReceivedAt:    receivedAt,
	}, nil
}

// Encode returns the wire form. Brokers and tests use it to produce frames.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}
