package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/training-portal/internal/authz"
	"github.com/iliyamo/training-portal/internal/guard"
)

// Section is a collaborator page.  Its content is owned by the collaborator
// script, which talks to the backend through the forwarder at APIPath.
type Section struct {
	Route   string
	Title   string
	APIPath string
}

// Sections lists the collaborator pages in navigation order.
var Sections = []Section{
	{Route: authz.RouteCourses, Title: "Courses", APIPath: "/api/courses"},
	{Route: authz.RouteStudents, Title: "Students", APIPath: "/api/students"},
	{Route: authz.RouteTrainingSchedules, Title: "Training Schedules", APIPath: "/api/training-schedules"},
	{Route: authz.RouteOptInOut, Title: "Opt In/Out", APIPath: "/api/opt-in-out"},
}

// protectedView fills the header from what guard.Protect stored on c.
func protectedView(c echo.Context, title, active string) view {
	v := view{Title: title, Active: active}
	if s, ok := guard.SnapshotFrom(c); ok {
		v.User = s.User
	}
	if caps, ok := guard.CapabilitiesFrom(c); ok {
		v.Nav = caps.NavItems()
	}
	return v
}

// Dashboard shows one card per section the user may open; students only
// see Opt In/Out.
func Dashboard(c echo.Context) error {
	return c.Render(http.StatusOK, pageDashboard, protectedView(c, "Dashboard", authz.RouteDashboard))
}

// SectionPage renders the shell of a collaborator page.
func SectionPage(s Section) echo.HandlerFunc {
	return func(c echo.Context) error {
		v := protectedView(c, s.Title, s.Route)
		v.APIPath = s.APIPath
		return c.Render(http.StatusOK, pageSection, v)
	}
}

// ToDashboard is the fallback for "/" and unknown pages.
func ToDashboard(c echo.Context) error {
	return c.Redirect(http.StatusSeeOther, authz.RouteDashboard)
}
