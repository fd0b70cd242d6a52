package credstore

import (
	"slices"
	"time"
)

// AdminProfile is the back-office operator returned by the login and verify
// endpoints. It is replaced wholesale, never patched.
type AdminProfile struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Email            string         `json:"email"`
	Role             string         `json:"role"`
	Permissions      []string       `json:"permissions,omitempty"`
	TwoFactorEnabled bool           `json:"twoFactorEnabled"`
	LastLoginAt      *time.Time     `json:"lastLoginAt,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// HasPermission reports whether the admin was granted p.
func (a *AdminProfile) HasPermission(p string) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Permissions, p)
}

func (a *AdminProfile) clone() *AdminProfile {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Permissions = slices.Clone(a.Permissions)
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		cp.LastLoginAt = &t
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Credentials is a point-in-time copy of everything the store holds for the
// authenticated operator. Zero values mean "absent".
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Admin        *AdminProfile
	LoginAt      time.Time
	LastActivity time.Time
}

// Empty reports whether no credential material is held.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && c.Admin == nil &&
		c.LoginAt.IsZero() && c.LastActivity.IsZero()
}
