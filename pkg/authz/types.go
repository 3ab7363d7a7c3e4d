package authz

import "time"

// DefaultMasterUserID is the reserved id that bypasses permission checks
const DefaultMasterUserID int64 = 1

// User is an account identified by the (issuer, subject) pair of its
// identity provider.
type User struct {
	ID        int64     `json:"id"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Locale    string    `json:"locale"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role is a named bundle of permissions
type Role struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Built-in role slugs
const (
	RoleSiteAdmin = "site-admin"
)

// Permission grants access to Slug when the callback named Callback
// accepts the arguments resolved from Parameters.
type Permission struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Callback    string    `json:"callback"`
	Parameters  Template  `json:"parameters"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`

	// Invalid is set when the stored template could not be decoded.
	// Such a permission never applies.
	Invalid error `json:"-"`
}
