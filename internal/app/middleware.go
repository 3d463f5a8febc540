package app

import (
	"net/http"
	"strings"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/fiscora/fiscora/pkg/actor"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// SetupMiddleware wires all HTTP middlewares for the application.
func SetupMiddleware(r *mux.Router, deps *Dependencies, cfg config.Application) {

	// Propagate X-Actor-Id and X-Actor-Roles headers into context so services
	// can attribute every state change and enforce role requirements.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()

			actorIdHeader := req.Header.Get("X-Actor-Id")
			if actorIdHeader != "" {
				a := actor.Actor{
					ID:   actorIdHeader,
					Name: req.Header.Get("X-Actor-Name"),
				}
				if rolesHeader := req.Header.Get("X-Actor-Roles"); rolesHeader != "" {
					for _, role := range strings.Split(rolesHeader, ",") {
						if role = strings.TrimSpace(role); role != "" {
							a.Roles = append(a.Roles, role)
						}
					}
				}
				log.Debugf("acting as %s with roles %v", a.ID, a.Roles)
				ctx = actor.With(ctx, a)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
}
