package models

import "strings"

// Role tags what an identity may do in the storefront.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the identity record returned by the auth endpoints.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Role      Role   `json:"role"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Profile is the signup payload.
type Profile struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Password  string `json:"password"`
}

// Missing lists the required profile fields that are blank.
func (p Profile) Missing() []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"firstName", p.FirstName},
		{"lastName", p.LastName},
		{"email", p.Email},
		{"password", p.Password},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// SessionStatus is the lifecycle position of a Session.
type SessionStatus string

const (
	StatusUninitialized SessionStatus = "uninitialized"
	StatusLoading       SessionStatus = "loading"
	StatusAuthenticated SessionStatus = "authenticated"
	StatusAnonymous     SessionStatus = "anonymous"
)

// Session is who is logged in. Status is authenticated iff Token and User are
// both present.
type Session struct {
	Token  string        `json:"-"`
	User   *User         `json:"user,omitempty"`
	Status SessionStatus `json:"status"`
}

func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Token != "" && s.User != nil
}

// Resolved reports whether the session has left the startup states.
func (s Session) Resolved() bool {
	return s.Status == StatusAuthenticated || s.Status == StatusAnonymous
}

// UserID returns the authenticated user's id, or "".
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
