package actor

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

type contextKey string

const ActorKey contextKey = "actor"

var ErrNoActor = errors.New("actor not found in context")

// Actor is the already-authenticated identity performing governed operations.
// Role/permission resolution happens upstream; the engine only needs the id
// and the roles relevant to amount-based approval requirements.
type Actor struct {
	ID    string
	Name  string
	Roles []string
}

// CurrentId retrieves the current actor's ID from the context. Returns ErrNoActor if not present.
func CurrentId(ctx context.Context) (string, error) {
	a, ok := ctx.Value(ActorKey).(Actor)
	if !ok {
		log.Trace("actor not found in context")
		return "", ErrNoActor
	}
	return a.ID, nil
}

// Current retrieves the full actor from the context.
func Current(ctx context.Context) (Actor, error) {
	a, ok := ctx.Value(ActorKey).(Actor)
	if !ok {
		log.Trace("actor not found in context")
		return Actor{}, ErrNoActor
	}
	return a, nil
}

func With(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ActorKey, a)
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
