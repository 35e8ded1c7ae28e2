package model

import (
	"context"
	"errors"
	"slices"
)

// SystemActorID identifies actions taken by the engine itself, such as SLA
// sweeps and automatic advances.
const SystemActorID = "system"

// Actor is the already-authenticated caller of an engine operation. The
// engine trusts the identity, roles and capabilities it is given.
type Actor struct {
	ID            string
	Name          string
	Roles         []string
	Capabilities  CapabilitySet
	CorrelationID string
}

// SystemActor returns the actor used for engine-initiated work.
func SystemActor() Actor {
	return Actor{ID: SystemActorID, Capabilities: CapabilitySet{"*": true}}
}

// Validate checks that the actor carries an identity.
func (a Actor) Validate() error {
	if a.ID == "" {
		return errors.New("actor ID is required")
	}
	return nil
}

// HasRole returns true if the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Can reports whether the actor holds capability. An empty capability is
// always allowed.
func (a Actor) Can(capability string) bool {
	if capability == "" {
		return true
	}
	return a.Capabilities.Has(capability)
}

type actorKey struct{}

// WithActor attaches an Actor to the given context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the Actor from the context.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
