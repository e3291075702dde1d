// Package geofence tracks enter and exit transitions of geofences.
package geofence

import (
	"fmt"
	"math"
	"strings"

	"github.com/homectl/rfswitch/internal/storage"
)

// Transition is a geofence event reported by the location source
type Transition string

const (
	Enter Transition = "enter"
	Exit  Transition = "exit"
)

// ParseTransition accepts enter/exit in any case
func ParseTransition(s string) (Transition, error) {
	switch Transition(strings.ToLower(strings.TrimSpace(s))) {
	case Enter:
		return Enter, nil
	case Exit:
		return Exit, nil
	}
	return "", fmt.Errorf("unknown geofence transition %q", s)
}

// Apply returns the state after a transition and whether the geofence's
// actions should run. Repeating the current state never fires, and
// inactive geofences keep their state.
func Apply(g *storage.Geofence, t Transition) (storage.GeofenceState, bool) {
	var next storage.GeofenceState
	switch t {
	case Enter:
		next = storage.GeofenceInside
	case Exit:
		next = storage.GeofenceOutside
	default:
		return g.State, false
	}

	if !g.Active || g.State == next {
		return g.State, false
	}
	return next, true
}

// ActionIDs returns the actions bound to a transition
func ActionIDs(g *storage.Geofence, t Transition) []int64 {
	switch t {
	case Enter:
		return g.EnterActionIDs
	case Exit:
		return g.ExitActionIDs
	}
	return nil
}

const earthRadius = 6371000.0 // Meters

// Distance returns the great circle distance in meters
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

// Locate derives the transition implied by a position fix
func Locate(g *storage.Geofence, lat, lon float64) Transition {
	if Distance(g.Latitude, g.Longitude, lat, lon) <= g.Radius {
		return Enter
	}
	return Exit
}
