// Package router routes operations across the instances of one backing-store family.
// Reads go to one pseudo-randomly chosen instance; writes are replicated to every
// instance of the resolved group, one after the other.
package router

import (
	"context"

	"github.com/blueberrycongee/dbmux/pkg/types"
)

// Result is the outcome of an operation on one instance.
type Result interface {
	// Len is the number of rows or documents returned or affected. It is logged
	// instead of the payload.
	Len() int
}

// Op is an operation descriptor that can run against a pool of type P.
// Implementations must be immutable.
type Op[P any, R Result] interface {
	// Exec runs the operation once against pool.
	Exec(ctx context.Context, pool P) (R, error)

	// IsWrite reports whether the operation mutates data.
	IsWrite() bool

	// Signature returns a deterministic encoding of the operation used as cache key.
	Signature() ([]byte, error)

	// Name is a short, payload-free label such as "find asistencias" or "INSERT".
	Name() string
}

// PoolSource resolves instance ids to pools.
type PoolSource[P any] interface {
	PoolFor(id types.InstanceID) (P, error)
}

// Dispatch selects how an operation is routed.
type Dispatch int

const (
	// DispatchAuto routes writes to every instance and reads to one.
	DispatchAuto Dispatch = iota
	// DispatchOne routes to one random instance regardless of classification.
	DispatchOne
	// DispatchAll routes to every instance regardless of classification.
	DispatchAll
)

// String returns the dispatch name.
func (d Dispatch) String() string {
	switch d {
	case DispatchOne:
		return "one"
	case DispatchAll:
		return "all"
	default:
		return "auto"
	}
}

// Options are the per-call routing options.
type Options struct {
	// Role selects the group. Empty or unknown roles route over every group.
	Role types.Role
	// UseCache enables the result cache for reads scoped to a group.
	UseCache bool
	// MaxRetries is the attempt budget per instance. Non-positive means the default.
	MaxRetries int
	// Dispatch overrides read/write classification.
	Dispatch Dispatch
	// BestEffort makes a write attempt every instance instead of stopping at the
	// first exhausted one.
	BestEffort bool
}
