package audit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type EntryDTO struct {
	ID          string         `json:"id"`
	ActorID     string         `json:"actorId"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	OldValues   map[string]any `json:"oldValues,omitempty"`
	NewValues   map[string]any `json:"newValues,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Archived    bool           `json:"archived,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type Handler struct {
	trail Trail
}

func NewHandler(trail Trail) *Handler {
	return &Handler{trail}
}

func (handler *Handler) GetEntityTrail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)
	entityType := vars["entityType"]
	entityID := vars["entityId"]

	log.Debugf("Fetching audit trail for %s/%s", entityType, entityID)
	entries, err := handler.trail.EntityTrail(r.Context(), entityType, entityID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for _, entry := range entries {
		dtos = append(dtos, entryToDTO(entry))
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func entryToDTO(entry Entry) EntryDTO {
	return EntryDTO{
		ID:          entry.ID,
		ActorID:     entry.ActorID,
		Action:      entry.Action,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		OldValues:   entry.OldValues,
		NewValues:   entry.NewValues,
		Description: entry.Description,
		Metadata:    entry.Metadata,
		Status:      string(entry.Status),
		Archived:    entry.Archived,
		CreatedAt:   entry.CreatedAt,
	}
}
