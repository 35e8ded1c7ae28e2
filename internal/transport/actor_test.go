package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/wardflow/model"
)

type stubDirectory struct {
	roles map[string][]string
	caps  map[string][]string
}

func (d stubDirectory) RolesOf(userID string) []string { return d.roles[userID] }

func (d stubDirectory) CapabilitiesFor(roles []string) model.CapabilitySet {
	set := model.CapabilitySet{}
	for _, r := range roles {
		set.Grant(d.caps[r]...)
	}
	return set
}

// actorFor runs BuildActor over claims and returns the actor the next
// handler saw, plus the response.
func actorFor(t *testing.T, paths map[string]string, resolver ActorResolver, claims map[string]any) (model.Actor, *httptest.ResponseRecorder) {
	t.Helper()
	var got model.Actor
	h := BuildActor(paths, resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := model.ActorFrom(r.Context())
		require.True(t, ok, "actor missing from context")
		got = actor
		w.WriteHeader(http.StatusOK)
	}))
	ctx := context.WithValue(context.Background(), correlationIDKey{}, "corr-7")
	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil).WithContext(WithClaims(ctx, claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return got, rec
}

func TestBuildActor_mergesDirectory(t *testing.T) {
	dir := stubDirectory{
		roles: map[string][]string{"u-fm": {"facility_manager", "ward_nurse"}},
		caps:  map[string][]string{"facility_manager": {"maintenance:*", "instances:admin"}},
	}
	actor, rec := actorFor(t, nil, dir, map[string]any{
		"sub":   "u-fm",
		"name":  "Facility Manager",
		"roles": []any{"ward_nurse"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-fm", actor.ID)
	assert.Equal(t, "Facility Manager", actor.Name)
	assert.Equal(t, "corr-7", actor.CorrelationID)
	assert.ElementsMatch(t, []string{"ward_nurse", "facility_manager"}, actor.Roles)
	assert.True(t, actor.Can("maintenance:work:start"))
	assert.True(t, actor.Can(CapabilityAdminInstances))
	assert.False(t, actor.Can(CapabilityManageTemplates))
}

func TestBuildActor_tokenCannotGrantCapabilities(t *testing.T) {
	actor, _ := actorFor(t, nil, stubDirectory{}, map[string]any{
		"sub":          "u-nurse-7",
		"roles":        []any{"ward_nurse"},
		"capabilities": []any{"*"},
	})
	assert.False(t, actor.Can(CapabilityManageTemplates))
	assert.NotNil(t, actor.Capabilities)
}

func TestBuildActor_claimPaths(t *testing.T) {
	tests := []struct {
		name   string
		paths  map[string]string
		claims map[string]any
		wantID string
		roles  []string
	}{
		{
			name:   "nested roles",
			paths:  map[string]string{"subject_id": "preferred_username", "roles": "realm_access.roles"},
			claims: map[string]any{"preferred_username": "u-99", "realm_access": map[string]any{"roles": []any{"biomed_engineer", 7, ""}}},
			wantID: "u-99",
			roles:  []string{"biomed_engineer"},
		},
		{
			name:   "space separated scope",
			paths:  map[string]string{"roles": "scope"},
			claims: map[string]any{"sub": "u-1", "scope": "ward_nurse  facility_manager"},
			wantID: "u-1",
			roles:  []string{"ward_nurse", "facility_manager"},
		},
		{
			name:   "path through a scalar",
			paths:  map[string]string{"roles": "realm_access.roles"},
			claims: map[string]any{"sub": "u-2", "realm_access": "none"},
			wantID: "u-2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor, rec := actorFor(t, tt.paths, nil, tt.claims)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantID, actor.ID)
			assert.Equal(t, tt.roles, actor.Roles)
			assert.NotNil(t, actor.Capabilities)
		})
	}
}

func TestBuildActor_rejectsMissingSubject(t *testing.T) {
	for name, claims := range map[string]map[string]any{
		"no claims":    nil,
		"no subject":   {"roles": []any{"ward_nurse"}},
		"non-string":   {"sub": 42},
		"empty string": {"sub": ""},
	} {
		t.Run(name, func(t *testing.T) {
			h := BuildActor(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("next handler ran without a subject")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithClaims(req.Context(), claims))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, model.ErrUnauthorized, decodeEnvelope(t, rec).Code)
		})
	}
}
