package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kiwari-pos/orderfeed/internal/event"
)

// Roles carried in broker tokens.
const (
	RoleAdmin    = "ADMIN"
	RoleStaff    = "STAFF"
	RoleCustomer = "CUSTOMER"
)

type Claims struct {
	UserID   int64  `json:"user_id"`
	BranchID int64  `json:"branch_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func GenerateToken(secret string, userID, branchID int64, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:   userID,
		BranchID: branchID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// CanSubscribe reports whether the holder may subscribe to destination.
// ADMIN reads everything, STAFF reads the all-orders feed and its own branch,
// CUSTOMER reads only its own feed.
func (c *Claims) CanSubscribe(destination string) bool {
	switch c.Role {
	case RoleAdmin:
		return true
	case RoleStaff:
		if destination == event.TopicAll {
			return true
		}
		return c.BranchID > 0 && destination == event.Branch{ID: c.BranchID}.Topic()
	case RoleCustomer:
		return destination == event.Customer{ID: c.UserID}.Topic()
	default:
		return false
	}
}

// CanSend reports whether the holder may publish status changes.
func (c *Claims) CanSend(destination string) bool {
	if destination != event.CommandDestination {
		return false
	}
	return c.Role == RoleAdmin || c.Role == RoleStaff
}
