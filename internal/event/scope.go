package event

import (
	"strconv"
	"strings"

	"github.com/kiwari-pos/orderfeed/internal/errs"
)

// Topic addresses.
const (
	TopicAll      = "/topic/pedidos"
	TopicAdmin    = "/topic/pedidos/admin"
	topicBranch   = "/topic/pedidos/sucursal/"
	topicCustomer = "/topic/pedidos/usuario/"
)

// Scope selects which notifications a subscriber receives. The set of scopes
// is closed: All, AdminGlobal, Branch and Customer. Scope values are comparable,
// two scopes are equal iff their type and parameters are equal.
type Scope interface {
	// Topic returns the broker destination for the scope.
	Topic() string
	// Kind is a short label for logs and metrics.
	Kind() string
	String() string
	scope()
}

type All struct{}

type AdminGlobal struct{}

type Branch struct {
	ID int64
}

type Customer struct {
	ID int64
}

func (All) Topic() string         { return TopicAll }
func (AdminGlobal) Topic() string { return TopicAdmin }
func (b Branch) Topic() string    { return topicBranch + strconv.FormatInt(b.ID, 10) }
func (c Customer) Topic() string  { return topicCustomer + strconv.FormatInt(c.ID, 10) }

func (All) Kind() string         { return "all" }
func (AdminGlobal) Kind() string { return "admin" }
func (Branch) Kind() string      { return "branch" }
func (Customer) Kind() string    { return "customer" }

func (All) String() string         { return "all" }
func (AdminGlobal) String() string { return "admin" }
func (b Branch) String() string    { return "branch:" + strconv.FormatInt(b.ID, 10) }
func (c Customer) String() string  { return "customer:" + strconv.FormatInt(c.ID, 10) }

func (All) scope()         {}
func (AdminGlobal) scope() {}
func (Branch) scope()      {}
func (Customer) scope()    {}

// ValidateScope rejects nil scopes and non-positive ids.
func ValidateScope(s Scope) error {
	switch v := s.(type) {
	case All, AdminGlobal:
		return nil
	case Branch:
		if v.ID <= 0 {
			return errs.Usage("scope", errs.Wrapf(errs.ErrInvalidScope, "branch id %d", v.ID))
		}
		return nil
	case Customer:
		if v.ID <= 0 {
			return errs.Usage("scope", errs.Wrapf(errs.ErrInvalidScope, "customer id %d", v.ID))
		}
		return nil
	default:
		return errs.Usage("scope", errs.ErrInvalidScope)
	}
}

// ParseScope reads the String form: "all", "admin", "branch:<id>" or "customer:<id>".
func ParseScope(s string) (Scope, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "all":
		return All{}, nil
	case "admin":
		return AdminGlobal{}, nil
	}

	kind, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errs.Usage("parse scope", errs.Wrapf(errs.ErrInvalidScope, "%q", s))
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, errs.Usage("parse scope", errs.Wrapf(errs.ErrInvalidScope, "%q", s))
	}

	var scope Scope
	switch kind {
	case "branch":
		scope = Branch{ID: id}
	case "customer":
		scope = Customer{ID: id}
	default:
		return nil, errs.Usage("parse scope", errs.Wrapf(errs.ErrInvalidScope, "%q", s))
	}
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	return scope, nil
}
