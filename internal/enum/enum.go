package enum

import "strings"

// ── Order lifecycle (wire values, also used as map keys) ──

type StatusCode int

const (
	StatusIncoming  StatusCode = 0
	StatusPreparing StatusCode = 1
	StatusStandby   StatusCode = 2
	StatusDelivered StatusCode = 3
	StatusCancelled StatusCode = 4
	StatusRejected  StatusCode = 5
)

var statusNames = map[StatusCode]string{
	StatusIncoming:  "INCOMING",
	StatusPreparing: "PREPARING",
	StatusStandby:   "STANDBY",
	StatusDelivered: "DELIVERED",
	StatusCancelled: "CANCELLED",
	StatusRejected:  "REJECTED",
}

// Legacy display names still emitted by older back-office builds.
var statusAliases = map[string]StatusCode{
	"READY": StatusStandby,
}

// AllStatuses returns every status in code order.
func AllStatuses() []StatusCode {
	return []StatusCode{
		StatusIncoming,
		StatusPreparing,
		StatusStandby,
		StatusDelivered,
		StatusCancelled,
		StatusRejected,
	}
}

func (s StatusCode) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// String returns the canonical display name, or "UNKNOWN" for codes outside the set.
func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions are expected.
func (s StatusCode) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ParseStatus maps a display name (case-insensitive) back to its code.
func ParseStatus(name string) (StatusCode, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for code, n := range statusNames {
		if n == name {
			return code, true
		}
	}
	if code, ok := statusAliases[name]; ok {
		return code, true
	}
	return 0, false
}
