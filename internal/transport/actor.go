package transport

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/model"
)

type claimsKey struct{}

// WithClaims stores verified token claims in the context.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the verified token claims, or nil.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// ActorResolver supplies the directory view of a caller: roles granted
// outside the token and the capabilities of a role set.
// *directory.StaticDirectory implements it.
type ActorResolver interface {
	RolesOf(userID string) []string
	CapabilitiesFor(roles []string) model.CapabilitySet
}

// claimPaths maps actor fields to dotted claim paths.
type claimPaths struct {
	subject, name, roles string
}

func newClaimPaths(configured map[string]string) claimPaths {
	get := func(key, fallback string) string {
		if p := configured[key]; p != "" {
			return p
		}
		return fallback
	}
	return claimPaths{
		subject: get("subject_id", "sub"),
		name:    get("name", "name"),
		roles:   get("roles", "roles"),
	}
}

// BuildActor turns verified claims into a model.Actor. Directory roles are
// added to the token's roles; capabilities come from the directory alone, so
// a token cannot grant itself a capability.
func BuildActor(paths map[string]string, resolver ActorResolver) func(http.Handler) http.Handler {
	cp := newClaimPaths(paths)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := ClaimsFrom(ctx)

			actor := model.Actor{
				ID:            lookupString(claims, cp.subject),
				Name:          lookupString(claims, cp.name),
				Roles:         lookupStrings(claims, cp.roles),
				CorrelationID: CorrelationIDFrom(ctx),
				Capabilities:  model.CapabilitySet{},
			}
			if actor.Validate() != nil {
				WriteError(w, model.NewUnauthorizedError("Token carries no subject"))
				return
			}
			if resolver != nil {
				for _, role := range resolver.RolesOf(actor.ID) {
					if !slices.Contains(actor.Roles, role) {
						actor.Roles = append(actor.Roles, role)
					}
				}
				if caps := resolver.CapabilitiesFor(actor.Roles); caps != nil {
					actor.Capabilities = caps
				}
			}

			trace.SpanFromContext(ctx).SetAttributes(
				observability.AttrActorID.String(actor.ID),
				observability.AttrCorrelationID.String(actor.CorrelationID),
			)
			next.ServeHTTP(w, r.WithContext(model.WithActor(ctx, actor)))
		})
	}
}

// lookup walks a dotted path such as "realm_access.roles".
func lookup(claims map[string]any, path string) any {
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func lookupString(claims map[string]any, path string) string {
	s, _ := lookup(claims, path).(string)
	return s
}

// lookupStrings accepts a JSON array or a space-separated string, the two
// shapes identity providers use for role and scope claims.
func lookupStrings(claims map[string]any, path string) []string {
	switch v := lookup(claims, path).(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
