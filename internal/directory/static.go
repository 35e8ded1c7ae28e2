// Package directory resolves approval roles to the users that hold them and
// roles to the capabilities they grant.
package directory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/wardflow/model"
)

// Directory returns the current members of a role. Approval gates take a
// snapshot of the membership when they open.
type Directory interface {
	Members(ctx context.Context, role string) ([]string, error)
}

type directoryFile struct {
	Roles        map[string][]string `yaml:"roles"`
	Capabilities map[string][]string `yaml:"capabilities"`
}

// StaticDirectory serves role membership and role capabilities from a YAML
// file of the form:
//
//	roles:
//	  facility_manager: [u-1, u-2]
//	capabilities:
//	  facility_manager: [equipment:maintenance:*]
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	file directoryFile
}

// NewStaticDirectory loads the directory file at path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewInMemory builds a directory from literal maps. Sync is a no-op.
func NewInMemory(roles, capabilities map[string][]string) *StaticDirectory {
	return &StaticDirectory{file: directoryFile{Roles: roles, Capabilities: capabilities}}
}

// Members returns the sorted user IDs holding role. Unknown roles have no
// members.
func (d *StaticDirectory) Members(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := slices.Clone(d.file.Roles[role])
	slices.Sort(members)
	return slices.Compact(members), nil
}

// RolesOf returns every role userID is a member of, sorted.
func (d *StaticDirectory) RolesOf(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var roles []string
	for role, members := range d.file.Roles {
		if slices.Contains(members, userID) {
			roles = append(roles, role)
		}
	}
	slices.Sort(roles)
	return roles
}

// CapabilitiesFor returns the union of capabilities granted to roles.
func (d *StaticDirectory) CapabilitiesFor(roles []string) model.CapabilitySet {
	d.mu.RLock()
	defer d.mu.RUnlock()

	caps := model.CapabilitySet{}
	for _, role := range roles {
		caps.Grant(d.file.Capabilities[role]...)
	}
	return caps
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.file = f
	d.mu.Unlock()
	return nil
}
