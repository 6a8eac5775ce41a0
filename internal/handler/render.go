package handler

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/training-portal/internal/authz"
	"github.com/iliyamo/training-portal/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names accepted by the renderer.
const (
	pageLogin     = "login"
	pageRegister  = "register"
	pageDashboard = "dashboard"
	pageSection   = "section"
	pageError     = "error"
)

// Renderer renders the portal pages through echo's c.Render.  Every page is
// parsed together with the shared layout.
type Renderer struct {
	pages map[string]*template.Template
}

func NewRenderer() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for _, name := range []string{pageLogin, pageRegister, pageDashboard, pageSection, pageError} {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render implements echo.Renderer.
func (r *Renderer) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	t, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}
	return t.ExecuteTemplate(w, "layout", data)
}

// formValues echoes back non-secret form input.
type formValues struct {
	Name  string
	Email string
	Role  string
}

// view is the data every page template receives.
type view struct {
	Title       string
	User        *model.Profile
	Nav         []authz.NavItem
	Active      string
	Error       string
	FieldErrors map[string][]string
	Form        formValues
	APIPath     string
}
