package middleware

// identity.go holds helpers shared across middleware files.

import "github.com/labstack/echo/v4"

// profileID returns the client profile id set by ProfileCookie, or "guest"
// when the request has none.
func profileID(c echo.Context) string {
	if v, ok := c.Get(ProfileIDKey).(string); ok && v != "" {
		return v
	}
	return "guest"
}
