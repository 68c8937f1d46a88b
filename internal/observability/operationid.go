package observability

import (
	"context"

	"github.com/google/uuid"
)

// operationIDKey is the context key for operation IDs.
type operationIDKey struct{}

// NewOperationID generates a new unique operation ID.
func NewOperationID() string {
	return uuid.NewString()
}

// ContextWithOperationID adds an operation ID to the context.
func ContextWithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationIDFromContext extracts the operation ID from context.
func OperationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetOrCreateOperationID gets the existing operation ID or creates a new one.
func GetOrCreateOperationID(ctx context.Context) (context.Context, string) {
	if id := OperationIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewOperationID()
	return ContextWithOperationID(ctx, id), id
}
