package auth

import "time"

type Role string

const (
	// RoleES is a field agent who receives offers.
	RoleES Role = "ES"
	// RoleAS files enrollments on behalf of customers.
	RoleAS    Role = "AS"
	RoleAdmin Role = "ADMIN"
)

// ParseRole validates a role read from storage or a token.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, isValidRole(r)
}

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Language     *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor is the resolved caller of a command.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Is reports whether the actor is the given user.
func (a Actor) Is(userID string) bool { return userID != "" && a.UserID == userID }

// HasRole reports whether the actor holds one of roles.
func (a Actor) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Language string `json:"language,omitempty"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
