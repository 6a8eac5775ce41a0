// Package authz derives what the signed-in user may see from the resolved
// profile.  It is pure: the same profile always yields the same capabilities.
package authz

import (
	"strings"

	"github.com/iliyamo/training-portal/internal/model"
)

// Protected routes.
const (
	RouteDashboard         = "/dashboard"
	RouteCourses           = "/courses"
	RouteStudents          = "/students"
	RouteTrainingSchedules = "/training-schedules"
	RouteOptInOut          = "/opt-in-out"
)

// NavItem is one entry of the navigation header.
type NavItem struct {
	Label string
	Path  string
}

// navOrder is the header order; items the user lacks are skipped.
var navOrder = []NavItem{
	{Label: "Courses", Path: RouteCourses},
	{Label: "Students", Path: RouteStudents},
	{Label: "Training Schedules", Path: RouteTrainingSchedules},
	{Label: "Opt In/Out", Path: RouteOptInOut},
}

var (
	studentRoutes = []string{RouteDashboard, RouteOptInOut}
	adminRoutes   = []string{RouteDashboard, RouteCourses, RouteStudents, RouteTrainingSchedules, RouteOptInOut}
)

// Capabilities is derived from a profile; it is never stored.
type Capabilities struct {
	Authenticated bool
	IsStudent     bool
	// Routes is the set of protected routes the user may open.
	Routes []string
}

// CapabilitiesFor maps a profile to its capabilities.  A nil profile has
// none.  Any role other than student, including unknown ones, gets the
// administrative set.
func CapabilitiesFor(p *model.Profile) Capabilities {
	if p == nil {
		return Capabilities{}
	}
	if p.NormalizedRole() == model.RoleStudent {
		return Capabilities{Authenticated: true, IsStudent: true, Routes: clone(studentRoutes)}
	}
	return Capabilities{Authenticated: true, Routes: clone(adminRoutes)}
}

// Allows reports whether path, or the route it is nested under, is in the
// capability set.
func (c Capabilities) Allows(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, r := range c.Routes {
		if path == r || strings.HasPrefix(path, r+"/") {
			return true
		}
	}
	return false
}

// NavItems returns the navigation entries the user may follow.
func (c Capabilities) NavItems() []NavItem {
	var items []NavItem
	for _, it := range navOrder {
		if c.Allows(it.Path) {
			items = append(items, it)
		}
	}
	return items
}

func clone(s []string) []string { return append([]string(nil), s...) }
