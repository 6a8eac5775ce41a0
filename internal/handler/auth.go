package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/training-portal/internal/authz"
	"github.com/iliyamo/training-portal/internal/backend"
	"github.com/iliyamo/training-portal/internal/session"
)

// Resolver returns the session manager of the request's client profile.
type Resolver func(c echo.Context) (*session.Manager, error)

// AuthHandler serves the login, registration and logout forms.
type AuthHandler struct {
	Resolve Resolver
}

func NewAuthHandler(resolve Resolver) *AuthHandler {
	return &AuthHandler{Resolve: resolve}
}

// Form error messages.
const (
	msgInvalidCredentials = "Invalid credentials"
	msgPasswordMismatch   = "Passwords do not match"
	msgRegistrationFailed = "Registration failed"
	msgUnavailable        = "The training platform is unavailable. Please try again."
	msgTooManyAttempts    = "Too many attempts. Please wait and try again."
)

func (h *AuthHandler) LoginForm(c echo.Context) error {
	return c.Render(http.StatusOK, pageLogin, view{Title: "Login"})
}

// Login signs the profile in and sends it to the dashboard.
func (h *AuthHandler) Login(c echo.Context) error {
	m, err := h.Resolve(c)
	if err != nil {
		return err
	}
	email := c.FormValue("email")
	err = m.Login(c.Request().Context(), email, c.FormValue("password"))
	if err == nil {
		return c.Redirect(http.StatusSeeOther, authz.RouteDashboard)
	}

	v := view{Title: "Login", Form: formValues{Email: email}, Error: msgInvalidCredentials}
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, session.ErrInvalidCredentials), errors.Is(err, session.ErrMissingField):
	default:
		c.Logger().Warnf("login failed profile=%s: %v", m.ProfileID(), err)
		v.Error = msgUnavailable
		status = http.StatusServiceUnavailable
	}
	return c.Render(status, pageLogin, v)
}

func (h *AuthHandler) RegisterForm(c echo.Context) error {
	return c.Render(http.StatusOK, pageRegister, view{Title: "Register", Form: formValues{Role: "student"}})
}

// Register creates the account, signs it in and sends it to the dashboard.
func (h *AuthHandler) Register(c echo.Context) error {
	m, err := h.Resolve(c)
	if err != nil {
		return err
	}
	in := session.RegisterInput{
		Name:                 c.FormValue("name"),
		Email:                c.FormValue("email"),
		Password:             c.FormValue("password"),
		PasswordConfirmation: c.FormValue("password_confirmation"),
		Role:                 c.FormValue("role"),
	}
	err = m.Register(c.Request().Context(), in)
	if err == nil {
		return c.Redirect(http.StatusSeeOther, authz.RouteDashboard)
	}

	v := view{
		Title: "Register",
		Form:  formValues{Name: in.Name, Email: in.Email, Role: in.Role},
		Error: msgRegistrationFailed,
	}
	status := http.StatusUnprocessableEntity
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, session.ErrPasswordMismatch):
		v.Error = msgPasswordMismatch
	case errors.Is(err, session.ErrMissingField):
	case errors.Is(err, session.ErrRegistrationRejected):
		if errors.As(err, &apiErr) {
			v.FieldErrors = apiErr.Errors
		}
	default:
		c.Logger().Warnf("register failed profile=%s: %v", m.ProfileID(), err)
		status = http.StatusServiceUnavailable
	}
	return c.Render(status, pageRegister, v)
}

// Logout ends the session and returns to the login form.  The local session
// is cleared even when the backend cannot be reached.
func (h *AuthHandler) Logout(c echo.Context) error {
	m, err := h.Resolve(c)
	if err != nil {
		return err
	}
	if err := m.Logout(c.Request().Context()); err != nil {
		c.Logger().Errorf("logout: token store: %v", err)
	}
	return c.Redirect(http.StatusSeeOther, "/login")
}

// TooManyAttempts renders the form the throttled request came from.
func TooManyAttempts(c echo.Context, _ int) error {
	page, title := pageLogin, "Login"
	if c.Path() == "/register" {
		page, title = pageRegister, "Register"
	}
	return c.Render(http.StatusTooManyRequests, page, view{Title: title, Error: msgTooManyAttempts})
}
