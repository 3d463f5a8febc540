package grn

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fiscora/fiscora/pkg/governance"
	"github.com/fiscora/fiscora/pkg/ledger"
	"github.com/fiscora/fiscora/pkg/workflow"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type DTO struct {
	ID             string    `json:"id"`
	Reference      string    `json:"reference"`
	Supplier       string    `json:"supplier"`
	BudgetLineID   string    `json:"budgetLineId"`
	POAmount       string    `json:"poAmount"`
	ReceivedAmount string    `json:"receivedAmount"`
	SourcingMethod string    `json:"sourcingMethod"`
	QuoteCount     int       `json:"quoteCount"`
	CreatedBy      string    `json:"createdBy"`
	InspectedBy    string    `json:"inspectedBy,omitempty"`
	ApprovedBy     string    `json:"approvedBy,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type InspectionDTO struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes"`
}

type RejectionDTO struct {
	Reason string `json:"reason"`
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service}
}

func (handler *Handler) Create(w http.ResponseWriter, r *http.Request) {
	log.Debug("Creating new goods received note")
	w.Header().Set("Content-Type", "application/json")

	var dto DTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	poAmount, err := decimal.NewFromString(dto.POAmount)
	if err != nil {
		http.Error(w, "invalid PO amount", http.StatusBadRequest)
		return
	}
	receivedAmount, err := decimal.NewFromString(dto.ReceivedAmount)
	if err != nil {
		http.Error(w, "invalid received amount", http.StatusBadRequest)
		return
	}

	g, err := handler.service.Create(r.Context(), GRN{
		Reference:      dto.Reference,
		Supplier:       dto.Supplier,
		BudgetLineID:   dto.BudgetLineID,
		POAmount:       poAmount,
		ReceivedAmount: receivedAmount,
		SourcingMethod: dto.SourcingMethod,
		QuoteCount:     dto.QuoteCount,
	})
	var thresholdErr *governance.ThresholdError
	if errors.Is(err, ledger.ErrLineNotFound) {
		http.Error(w, "Budget line not found", http.StatusBadRequest)
		return
	}
	if errors.As(err, &thresholdErr) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toDTO(g)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (handler *Handler) Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)

	g, err := handler.service.GetByID(r.Context(), vars["id"])
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Goods received note not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(toDTO(g)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (handler *Handler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	notes, err := handler.service.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dtos := make([]DTO, 0, len(notes))
	for _, g := range notes {
		dtos = append(dtos, toDTO(g))
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (handler *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	handler.transition(w, r, func(id string) (GRN, error) {
		return handler.service.Submit(r.Context(), id)
	})
}

func (handler *Handler) StartInspection(w http.ResponseWriter, r *http.Request) {
	handler.transition(w, r, func(id string) (GRN, error) {
		return handler.service.StartInspection(r.Context(), id)
	})
}

func (handler *Handler) RecordInspection(w http.ResponseWriter, r *http.Request) {
	var dto InspectionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handler.transition(w, r, func(id string) (GRN, error) {
		return handler.service.RecordInspection(r.Context(), id, dto.Passed, dto.Notes)
	})
}

func (handler *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	handler.transition(w, r, func(id string) (GRN, error) {
		return handler.service.Approve(r.Context(), id)
	})
}

func (handler *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	handler.transition(w, r, func(id string) (GRN, error) {
		return handler.service.Accept(r.Context(), id)
	})
}

func (handler *Handler) RejectAcceptance(w http.ResponseWriter, r *http.Request) {
	var dto RejectionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handler.transition(w, r, func(id string) (GRN, error) {
		return handler.service.RejectAcceptance(r.Context(), id, dto.Reason)
	})
}

func (handler *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	handler.transition(w, r, func(id string) (GRN, error) {
		return handler.service.Complete(r.Context(), id)
	})
}

// transition runs one lifecycle operation and maps the governance and workflow
// error types onto HTTP statuses.
func (handler *Handler) transition(w http.ResponseWriter, r *http.Request, op func(id string) (GRN, error)) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)

	g, err := op(vars["id"])
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(toDTO(g)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func writeTransitionError(w http.ResponseWriter, err error) {
	var (
		invalidTransition *workflow.InvalidTransitionError
		staleState        *workflow.StaleStateError
		roleRequirement   *workflow.RoleRequirementError
		segregation       *governance.SegregationViolation
		quoteRequirement  *governance.QuoteRequirementError
		threeWayMatch     *governance.ThreeWayMatchError
		insufficient      *ledger.InsufficientBudgetError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "Goods received note not found", http.StatusNotFound)
	case errors.As(err, &invalidTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &staleState), errors.Is(err, ledger.ErrContention):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &roleRequirement), errors.As(err, &segregation):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &quoteRequirement), errors.As(err, &threeWayMatch), errors.As(err, &insufficient):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrLineClosed):
		http.Error(w, "Budget line is closed", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toDTO(g GRN) DTO {
	return DTO{
		ID:             g.ID,
		Reference:      g.Reference,
		Supplier:       g.Supplier,
		BudgetLineID:   g.BudgetLineID,
		POAmount:       g.POAmount.String(),
		ReceivedAmount: g.ReceivedAmount.String(),
		SourcingMethod: g.SourcingMethod,
		QuoteCount:     g.QuoteCount,
		CreatedBy:      g.CreatedBy,
		InspectedBy:    g.InspectedBy,
		ApprovedBy:     g.ApprovedBy,
		State:          g.WorkflowState,
		CreatedAt:      g.CreatedAt,
		UpdatedAt:      g.UpdatedAt,
	}
}
