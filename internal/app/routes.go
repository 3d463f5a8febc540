package app

import (
	"github.com/fiscora/fiscora/internal/config"
	"github.com/gorilla/mux"
)

// RegisterRoutes registers all API endpoints.
func RegisterRoutes(r *mux.Router, deps *Dependencies, cfg config.Application) {

	// Budget ledger
	r.HandleFunc("/api/budgetline", deps.LedgerHandler.ListLines).Methods("GET")
	r.HandleFunc("/api/budgetline", deps.LedgerHandler.CreateLine).Methods("POST")
	r.HandleFunc("/api/budgetline/{id}", deps.LedgerHandler.GetLine).Methods("GET")
	r.HandleFunc("/api/budgetline/{id}/transactions", deps.LedgerHandler.ListTransactions).Methods("GET")
	r.HandleFunc("/api/budgetline/{id}/close", deps.LedgerHandler.ClosePeriod).Methods("POST")

	// Goods received notes
	r.HandleFunc("/api/grn", deps.GRNHandler.List).Methods("GET")
	r.HandleFunc("/api/grn", deps.GRNHandler.Create).Methods("POST")
	r.HandleFunc("/api/grn/{id}", deps.GRNHandler.Get).Methods("GET")
	r.HandleFunc("/api/grn/{id}/submit", deps.GRNHandler.Submit).Methods("POST")
	r.HandleFunc("/api/grn/{id}/inspection", deps.GRNHandler.StartInspection).Methods("POST")
	r.HandleFunc("/api/grn/{id}/inspection/result", deps.GRNHandler.RecordInspection).Methods("POST")
	r.HandleFunc("/api/grn/{id}/approve", deps.GRNHandler.Approve).Methods("POST")
	r.HandleFunc("/api/grn/{id}/accept", deps.GRNHandler.Accept).Methods("POST")
	r.HandleFunc("/api/grn/{id}/reject", deps.GRNHandler.RejectAcceptance).Methods("POST")
	r.HandleFunc("/api/grn/{id}/complete", deps.GRNHandler.Complete).Methods("POST")

	// Audit trail
	r.HandleFunc("/api/audit/{entityType}/{entityId}", deps.AuditHandler.GetEntityTrail).Methods("GET")
}
