package replicator

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"replicanet/server/internal/replica"
)

type RouteMode uint8

const (
	RouteModeAll RouteMode = iota
	RouteModeNone
	RouteModeInclude
	RouteModeExclude
)

// Route selects the links a command is sent to by their remote
// ReplicatorID.
type Route struct {
	Mode    RouteMode
	Targets map[replica.ReplicatorID]struct{}
}

var (
	RouteAll  = Route{Mode: RouteModeAll}
	RouteNone = Route{Mode: RouteModeNone}
)

// Include routes to the listed replicators only.
func Include(ids ...replica.ReplicatorID) Route {
	return Route{Mode: RouteModeInclude, Targets: targetSet(ids)}
}

// Exclude routes to every replicator except the listed ones.
func Exclude(ids ...replica.ReplicatorID) Route {
	return Route{Mode: RouteModeExclude, Targets: targetSet(ids)}
}

func targetSet(ids []replica.ReplicatorID) map[replica.ReplicatorID]struct{} {
	set := make(map[replica.ReplicatorID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Matches reports whether a link to id is part of the route.
func (r Route) Matches(id replica.ReplicatorID) bool {
	switch r.Mode {
	case RouteModeAll:
		return true
	case RouteModeInclude:
		_, ok := r.Targets[id]
		return ok
	case RouteModeExclude:
		_, ok := r.Targets[id]
		return !ok
	default:
		return false
	}
}

// IsNone reports whether the route can never match a link.
func (r Route) IsNone() bool {
	return r.Mode == RouteModeNone || (r.Mode == RouteModeInclude && len(r.Targets) == 0)
}

func (r Route) String() string {
	switch r.Mode {
	case RouteModeAll:
		return "all"
	case RouteModeNone:
		return "none"
	}
	var b strings.Builder
	if r.Mode == RouteModeExclude {
		b.WriteString("exclude(")
	} else {
		b.WriteString("include(")
	}
	for i, id := range slices.Sorted(maps.Keys(r.Targets)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	b.WriteByte(')')
	return b.String()
}
