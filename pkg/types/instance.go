// Package types holds the identifiers shared by every dbmux package.
package types

import (
	"fmt"
	"strings"
)

// InstanceID identifies one physical database endpoint within a family, e.g. "INS1".
type InstanceID string

// String implements fmt.Stringer.
func (id InstanceID) String() string { return string(id) }

// Family is a backing-store family. Each family has its own instances, groups and caches.
type Family string

const (
	// FamilyRelational is the PostgreSQL family.
	FamilyRelational Family = "relational"
	// FamilyDocument is the MongoDB family.
	FamilyDocument Family = "document"
)

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return f == FamilyRelational || f == FamilyDocument
}

// ParseFamily parses a family name, accepting a few common aliases.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "relational", "sql", "postgres", "pg":
		return FamilyRelational, nil
	case "document", "doc", "mongo", "mongodb":
		return FamilyDocument, nil
	default:
		return "", fmt.Errorf("unknown family %q", s)
	}
}

// DedupInstances returns ids without duplicates, keeping first-seen order.
func DedupInstances(lists ...[]InstanceID) []InstanceID {
	seen := make(map[InstanceID]struct{})
	var out []InstanceID
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
