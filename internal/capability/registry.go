package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rahul/majordomo/internal/tools"
)

// CredentialSource looks up the granted OAuth scope string for a user.
// Token persistence and refresh live outside this module.
type CredentialSource interface {
	GrantedScopes(ctx context.Context, userID string) (string, error)
}

// Toolset binds a tool domain to the scope that unlocks it and a loader
// producing its concrete tools. Loaders run only for domains the session
// is entitled to, so an unauthorized tool is never even materialized.
type Toolset struct {
	Domain        string
	RequiredScope string
	Load          func(ts tools.TokenSource) []tools.Tool
}

// DefaultRegistry is the static set of tool domains the system knows about.
func DefaultRegistry() []Toolset {
	return []Toolset{
		{
			Domain:        "tasks",
			RequiredScope: "https://www.googleapis.com/auth/tasks",
			Load:          tools.NewTaskTools,
		},
		{
			Domain:        "calendar",
			RequiredScope: "https://www.googleapis.com/auth/calendar",
			Load:          tools.NewCalendarTools,
		},
	}
}

// Resolver derives per-session access from granted scopes. It holds no
// session state; every method is a pure function over its inputs.
type Resolver struct {
	Registry []Toolset
}

func NewResolver(registry []Toolset) *Resolver {
	return &Resolver{Registry: registry}
}

// ParseScopes splits a space-delimited OAuth scope string into a set.
func ParseScopes(raw string) map[string]bool {
	scopes := make(map[string]bool)
	for _, s := range strings.Fields(raw) {
		scopes[s] = true
	}
	return scopes
}

// DeriveAccess maps granted scopes to the domains and effective scopes this
// session may use. A domain is included iff its required scope was granted;
// granting more scopes never removes a domain.
func (r *Resolver) DeriveAccess(scopes map[string]bool) (domains map[string]bool, effective map[string]bool) {
	domains = make(map[string]bool)
	effective = make(map[string]bool)

	for _, ts := range r.Registry {
		if scopes[ts.RequiredScope] {
			domains[ts.Domain] = true
			effective[ts.RequiredScope] = true
		}
	}
	return domains, effective
}

// LoadTools materializes the tools for domains that passed the scope filter.
func (r *Resolver) LoadTools(scopes, domains map[string]bool, source tools.TokenSource) []tools.Tool {
	var loaded []tools.Tool
	for _, ts := range r.Registry {
		if !domains[ts.Domain] || !scopes[ts.RequiredScope] {
			continue
		}
		loaded = append(loaded, ts.Load(source)...)
	}
	return loaded
}

// FormatManifest renders a capability listing for the planner so it only
// proposes steps backed by tools this session actually holds.
func FormatManifest(loaded []tools.Tool) string {
	if len(loaded) == 0 {
		return "(no tools available for this session)"
	}

	var b strings.Builder
	for _, t := range loaded {
		desc := t.Description()
		if len(desc) > 160 {
			desc = desc[:160] + "..."
		}
		fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name(), strings.Join(paramNames(t), ", "), desc)
	}
	return b.String()
}

func paramNames(t tools.Tool) []string {
	props, ok := t.Parameters()["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
