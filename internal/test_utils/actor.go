package test_utils

import (
	"context"

	"github.com/fiscora/fiscora/pkg/actor"
)

// WithTestActor returns a context carrying an actor with the given roles.
func WithTestActor(ctx context.Context, id string, roles ...string) context.Context {
	return actor.With(ctx, actor.Actor{
		ID:    id,
		Name:  "Test Actor " + id,
		Roles: roles,
	})
}
