// Package permission answers whether an actor holds a capability.
package permission

import (
	"context"

	"mes-execution-backend/config"
)

// Capabilities checked by the execution core.
const (
	WaiveFAI          = "fai.waive"
	ReadinessOverride = "readiness.override"
)

// Oracle decides capability checks.
type Oracle interface {
	Can(ctx context.Context, actorID, capability string) bool
}

// StaticOracle resolves capabilities from configured role bindings.
type StaticOracle struct {
	roles  map[string]map[string]struct{}
	actors map[string][]string
}

// NewStaticOracle builds an oracle from the permissions section of the config.
func NewStaticOracle(cfg config.PermissionsConfig) *StaticOracle {
	o := &StaticOracle{
		roles:  make(map[string]map[string]struct{}, len(cfg.Roles)),
		actors: cfg.Actors,
	}
	for role, caps := range cfg.Roles {
		set := make(map[string]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		o.roles[role] = set
	}
	return o
}

// Can reports whether any role bound to actorID grants capability. The "*"
// capability grants everything.
func (o *StaticOracle) Can(_ context.Context, actorID, capability string) bool {
	if actorID == "" {
		return false
	}
	for _, role := range o.actors[actorID] {
		caps := o.roles[role]
		if _, ok := caps[capability]; ok {
			return true
		}
		if _, ok := caps["*"]; ok {
			return true
		}
	}
	return false
}

// AllowAll grants every capability to every non-empty actor.
type AllowAll struct{}

// Can implements Oracle.
func (AllowAll) Can(_ context.Context, actorID, _ string) bool {
	return actorID != ""
}
