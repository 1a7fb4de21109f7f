package event

import (
	"encoding/json"

	"github.com/kiwari-pos/orderfeed/internal/enum"
	"github.com/kiwari-pos/orderfeed/internal/errs"
)

// CommandDestination receives every status change command.
const CommandDestination = "/app/pedido.cambiarEstado"

// StatusChangeCommand asks the broker to move an order to a new status.
// It is a fire-and-forget value; the echoed Notification is the confirmation.
type StatusChangeCommand struct {
	OrderID       int64           `json:"pedidoId"`
	NewStatus     enum.StatusCode `json:"nuevoEstadoId"`
	EstimatedTime string          `json:"tiempoEstimado,omitempty"`
}

func NewStatusChangeCommand(orderID int64, status enum.StatusCode, estimatedTime string) (StatusChangeCommand, error) {
	cmd := StatusChangeCommand{
		OrderID:       orderID,
		NewStatus:     status,
		EstimatedTime: estimatedTime,
	}
	if err := cmd.Validate(); err != nil {
		return StatusChangeCommand{}, err
	}
	return cmd, nil
}

func (c StatusChangeCommand) Validate() error {
	if c.OrderID <= 0 {
		return errs.Usage("command", errs.Wrapf(errs.ErrInvalidCommand, "order id %d", c.OrderID))
	}
	if !c.NewStatus.Valid() {
		return errs.Usage("command", errs.Wrapf(errs.ErrInvalidCommand, "status %d", int(c.NewStatus)))
	}
	return nil
}

// Encode validates the command and returns its JSON body.
func (c StatusChangeCommand) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}
