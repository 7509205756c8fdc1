package auth

import (
	"context"
	"fmt"
)

const (
	// PermissionManage allows editing, copying and registry writes.
	PermissionManage = "workflow.manage"
	// PermissionAll grants every permission.
	PermissionAll = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	ActorID     string
	Permissions []string
}

func (p Principal) Has(perm string) bool {
	for _, granted := range p.Permissions {
		if granted == perm || granted == PermissionAll {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless the principal holds perm.
func (p Principal) Require(perm string) error {
	if !p.Has(perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
