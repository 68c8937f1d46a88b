// Package topology maps consumer roles to role groups and role groups to the
// instances that serve them. The table is built once at startup and never changes.
package topology

import (
	"fmt"
	"slices"

	"github.com/blueberrycongee/dbmux/pkg/types"
)

// Group is a named affinity cluster of roles sharing one instance set.
type Group struct {
	Name      string
	Roles     []types.Role
	Instances []types.InstanceID
}

// Resolver answers role -> group -> instances lookups. It is immutable and safe
// for concurrent use.
type Resolver struct {
	groups   []Group
	byName   map[string]int
	byRole   map[types.Role]string
	universe []types.InstanceID
}

// NewResolver validates groups and builds a resolver. Instance lists are deduplicated,
// keeping first-seen order.
func NewResolver(groups []Group) (*Resolver, error) {
	r := &Resolver{
		byName: make(map[string]int, len(groups)),
		byRole: make(map[types.Role]string),
	}

	for i, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group[%d]: name is required", i)
		}
		if _, dup := r.byName[g.Name]; dup {
			return nil, fmt.Errorf("group %q declared twice", g.Name)
		}
		for _, role := range g.Roles {
			if role == "" {
				return nil, fmt.Errorf("group %q: empty role", g.Name)
			}
			if other, taken := r.byRole[role]; taken {
				return nil, fmt.Errorf("role %q belongs to both %q and %q", role, other, g.Name)
			}
			r.byRole[role] = g.Name
		}

		r.byName[g.Name] = len(r.groups)
		r.groups = append(r.groups, Group{
			Name:      g.Name,
			Roles:     slices.Clone(g.Roles),
			Instances: types.DedupInstances(g.Instances),
		})
	}

	r.universe = r.computeUniverse()
	return r, nil
}

func (r *Resolver) computeUniverse() []types.InstanceID {
	lists := make([][]types.InstanceID, 0, len(r.groups))
	for _, g := range r.groups {
		lists = append(lists, g.Instances)
	}
	return types.DedupInstances(lists...)
}

// GroupOf returns the group a role belongs to. Empty and unknown roles have no group.
func (r *Resolver) GroupOf(role types.Role) (string, bool) {
	if role == "" {
		return "", false
	}
	name, ok := r.byRole[role]
	return name, ok
}

// InstancesOf returns a copy of the group's instance list. Unknown groups return nil.
func (r *Resolver) InstancesOf(group string) []types.InstanceID {
	i, ok := r.byName[group]
	if !ok {
		return nil
	}
	return slices.Clone(r.groups[i].Instances)
}

// AllGroups returns the group names in declaration order.
func (r *Resolver) AllGroups() []string {
	names := make([]string, len(r.groups))
	for i, g := range r.groups {
		names[i] = g.Name
	}
	return names
}

// Groups returns a copy of every group.
func (r *Resolver) Groups() []Group {
	out := make([]Group, len(r.groups))
	for i, g := range r.groups {
		out[i] = Group{
			Name:      g.Name,
			Roles:     slices.Clone(g.Roles),
			Instances: slices.Clone(g.Instances),
		}
	}
	return out
}

// Universe returns every instance of every group, deduplicated, in group order.
func (r *Resolver) Universe() []types.InstanceID {
	return slices.Clone(r.universe)
}

// Restrict returns a resolver whose groups only keep instances for which keep
// returns true. Groups that end up empty are kept so their roles still resolve.
func (r *Resolver) Restrict(keep func(types.InstanceID) bool) *Resolver {
	groups := make([]Group, len(r.groups))
	for i, g := range r.groups {
		var live []types.InstanceID
		for _, id := range g.Instances {
			if keep(id) {
				live = append(live, id)
			}
		}
		groups[i] = Group{Name: g.Name, Roles: g.Roles, Instances: live}
	}

	// The original table already validated, so this cannot fail.
	restricted, _ := NewResolver(groups)
	return restricted
}
