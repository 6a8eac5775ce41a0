package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/iliyamo/training-portal/internal/model"
)

// ErrNoAccessToken is returned when a 2xx login or register response does
// not carry an access token.
var ErrNoAccessToken = errors.New("backend: response carried no access_token")

// ErrEmptyProfile is returned when /me answers 2xx with no identity.
var ErrEmptyProfile = errors.New("backend: /me returned an empty profile")

// TokenResponse is the body returned by /login and /register.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body sent to /register.
type RegisterRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Role                 string `json:"role"`
}

// PrimeCSRF asks the backend to set the anti-forgery cookie in this
// client's jar.  It must complete before Login, Register or Me.
func (c *Client) PrimeCSRF(ctx context.Context) error {
	return c.do(ctx, "csrf", http.MethodGet, c.csrfURL, nil, "", nil)
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (TokenResponse, error) {
	var out TokenResponse
	if err := c.do(ctx, "login", http.MethodPost, c.endpoint("/login"), loginReq{Email: email, Password: password}, "", &out); err != nil {
		return TokenResponse{}, err
	}
	if out.AccessToken == "" {
		return TokenResponse{}, ErrNoAccessToken
	}
	return out, nil
}

// Register creates an account and returns its access token.
func (c *Client) Register(ctx context.Context, r RegisterRequest) (TokenResponse, error) {
	var out TokenResponse
	if err := c.do(ctx, "register", http.MethodPost, c.endpoint("/register"), r, "", &out); err != nil {
		return TokenResponse{}, err
	}
	if out.AccessToken == "" {
		return TokenResponse{}, ErrNoAccessToken
	}
	return out, nil
}

// Me resolves the profile behind token.
func (c *Client) Me(ctx context.Context, token string) (model.Profile, error) {
	var p model.Profile
	if err := c.do(ctx, "me", http.MethodGet, c.endpoint("/me"), nil, token, &p); err != nil {
		return model.Profile{}, err
	}
	if p.ID == 0 && p.Email == "" {
		return model.Profile{}, ErrEmptyProfile
	}
	return p, nil
}

// Logout invalidates token on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, "logout", http.MethodPost, c.endpoint("/logout"), nil, token, nil)
}
