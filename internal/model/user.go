package model

import "strings"

// Profile is the identity record returned by the backend's /me endpoint.
// It is immutable from the client's point of view; any change requires a
// fresh resolution call.
//
// Fields:
//
//	ID    – backend user id.
//	Name  – display name shown in the navigation header.
//	Email – login email; collaborators match student records by it.
//	Role  – role name as issued by the backend (compared case-insensitively).
type Profile struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Role names understood by the portal.  Anything that is not RoleStudent
// is granted the administrative capability set.
const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// NormalizedRole returns the profile role lower-cased and trimmed so that
// "Student" and "student" compare equal.
func (p Profile) NormalizedRole() string {
	return NormalizeRole(p.Role)
}

// NormalizeRole lower-cases and trims a role name.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
