package auth

import (
	"strings"

	"fleetdesk.com/session/auth/identity"
)

// DefaultRole is assigned when neither the backend nor the provider supplies one.
const DefaultRole = "user"

// User is the dashboard's view of the signed-in account.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	PhotoURL string `json:"photoURL,omitempty"`
	Role     string `json:"role"`
}

// Limits caps what an organization may register. Zero means unlimited.
type Limits struct {
	Vehicles int `json:"vehicles"`
}

type Subscription struct {
	Plan   string `json:"plan"`
	Status string `json:"status"`
	Limits Limits `json:"limits"`
}

// Organization is the tenant the user belongs to.
type Organization struct {
	ID           string       `json:"id,omitempty"`
	Name         string       `json:"name,omitempty"`
	Subscription Subscription `json:"subscription"`
}

// SubscriptionStatus is derived from Organization.Subscription.Status.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusUnknown   SubscriptionStatus = "unknown"
)

// Status maps the backend's free-form status onto the known set.
func (o *Organization) Status() SubscriptionStatus {
	if o == nil {
		return StatusUnknown
	}
	switch strings.ToLower(strings.TrimSpace(o.Subscription.Status)) {
	case "active", "trialing":
		return StatusActive
	case "expired", "past_due":
		return StatusExpired
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

// userFromSession builds a User from provider profile fields.
func userFromSession(s *identity.Session) *User {
	return &User{
		ID:       s.UID,
		Email:    s.Email,
		FullName: s.DisplayName,
		PhotoURL: s.PhotoURL,
		Role:     DefaultRole,
	}
}

// backendUser accepts both the exchange and the legacy login user shapes.
type backendUser struct {
	ID        string `json:"id"`
	UID       string `json:"uid"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	PhotoURL  string `json:"photoURL"`
	Role      string `json:"role"`
}

func (u *backendUser) toUser() *User {
	if u == nil {
		return nil
	}
	user := &User{
		ID:       u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		PhotoURL: u.PhotoURL,
		Role:     u.Role,
	}
	if user.ID == "" {
		user.ID = u.UID
	}
	if user.FullName == "" {
		user.FullName = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	if user.Role == "" {
		user.Role = DefaultRole
	}
	return user
}
