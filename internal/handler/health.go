package handler // declare the package name; contains HTTP handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Health is a simple health-check endpoint used by load balancers and
// monitoring systems to verify that the portal is running.  It does not
// contact the backend.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// ErrorHandler renders HTML errors for portal pages and keeps echo's JSON
// errors for the forwarder under apiPrefix.
func ErrorHandler(e *echo.Echo, apiPrefix string) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if strings.HasPrefix(c.Request().URL.Path, apiPrefix) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}
		code, msg := http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			c.Logger().Error(err)
		}
		if rerr := c.Render(code, pageError, view{Title: http.StatusText(code), Error: msg}); rerr != nil {
			e.DefaultHTTPErrorHandler(err, c)
		}
	}
}
