package ledger

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type BudgetLineDTO struct {
	ID              string    `json:"id"`
	FiscalPeriod    string    `json:"fiscalPeriod"`
	CostCenter      string    `json:"costCenter"`
	Allocated       string    `json:"allocated"`
	Committed       string    `json:"committed"`
	Spent           string    `json:"spent"`
	Available       string    `json:"available"`
	OverrunOverride bool      `json:"overrunOverride,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

type TransactionDTO struct {
	ID           string    `json:"id"`
	BudgetLineID string    `json:"budgetLineId"`
	Type         string    `json:"type"`
	Amount       string    `json:"amount"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	BalanceAfter string    `json:"balanceAfter"`
	ActorID      string    `json:"actorId"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Handler struct {
	ledger Ledger
}

func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger}
}

func (handler *Handler) CreateLine(w http.ResponseWriter, r *http.Request) {
	log.Debug("Creating new budget line")
	w.Header().Set("Content-Type", "application/json")

	var dto BudgetLineDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	allocated, err := decimal.NewFromString(dto.Allocated)
	if err != nil {
		http.Error(w, "invalid allocated amount", http.StatusBadRequest)
		return
	}

	line, err := handler.ledger.CreateLine(r.Context(), BudgetLine{
		FiscalPeriod:    dto.FiscalPeriod,
		CostCenter:      dto.CostCenter,
		Allocated:       allocated,
		OverrunOverride: dto.OverrunOverride,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(lineToDTO(line)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (handler *Handler) GetLine(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)

	line, err := handler.ledger.GetLine(r.Context(), vars["id"])
	if errors.Is(err, ErrLineNotFound) {
		http.Error(w, "Budget line not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(lineToDTO(line)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (handler *Handler) ListLines(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fiscalPeriod := r.URL.Query().Get("fiscalPeriod")

	lines, err := handler.ledger.ListLines(r.Context(), fiscalPeriod)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dtos := make([]BudgetLineDTO, 0, len(lines))
	for _, line := range lines {
		dtos = append(dtos, lineToDTO(line))
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (handler *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)

	transactions, err := handler.ledger.ListTransactions(r.Context(), vars["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dtos := make([]TransactionDTO, 0, len(transactions))
	for _, btx := range transactions {
		dtos = append(dtos, TransactionDTO{
			ID:           btx.ID,
			BudgetLineID: btx.BudgetLineID,
			Type:         string(btx.Type),
			Amount:       btx.Amount.String(),
			EntityType:   btx.EntityType,
			EntityID:     btx.EntityID,
			BalanceAfter: btx.BalanceAfter.String(),
			ActorID:      btx.ActorID,
			CreatedAt:    btx.CreatedAt,
		})
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (handler *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)

	line, err := handler.ledger.CloseFiscalPeriod(r.Context(), vars["id"])
	if errors.Is(err, ErrLineNotFound) {
		http.Error(w, "Budget line not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, ErrLineClosed) {
		http.Error(w, "Budget line already closed", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(lineToDTO(line)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func lineToDTO(line BudgetLine) BudgetLineDTO {
	return BudgetLineDTO{
		ID:              line.ID,
		FiscalPeriod:    line.FiscalPeriod,
		CostCenter:      line.CostCenter,
		Allocated:       line.Allocated.String(),
		Committed:       line.Committed.String(),
		Spent:           line.Spent.String(),
		Available:       line.Available().String(),
		OverrunOverride: line.OverrunOverride,
		Status:          string(line.Status),
		CreatedAt:       line.CreatedAt,
	}
}
