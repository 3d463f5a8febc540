package app

import (
	"database/sql"
	"fmt"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/fiscora/fiscora/internal/event_bus"
	"github.com/fiscora/fiscora/internal/jobs"
	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/audit"
	"github.com/fiscora/fiscora/pkg/governance"
	"github.com/fiscora/fiscora/pkg/grn"
	"github.com/fiscora/fiscora/pkg/ledger"
	"github.com/fiscora/fiscora/pkg/workflow"
	"github.com/shopspring/decimal"
)

// Dependencies holds all services and handlers for the application.
type Dependencies struct {
	EventBus *event_bus.EventBus
	Clock    utils.Clock

	AuditRepo    audit.Repo
	AuditTrail   audit.Trail
	AuditHandler *audit.Handler

	Bands           governance.BandTable
	GovernanceRules governance.Rules
	MatchTolerance  decimal.Decimal

	LineRepo      ledger.LineRepo
	TxRepo        ledger.TxRepo
	LedgerService ledger.Ledger
	LedgerHandler *ledger.Handler

	WorkflowEngine *workflow.EngineImpl

	GRNRepo    grn.Repo
	GRNService grn.Service
	GRNHandler *grn.Handler

	TaskRepo  jobs.Repo
	TaskQueue *jobs.Queue
	Worker    *jobs.Worker
}

// BuildDependencies initializes and wires all application services and handlers.
func BuildDependencies(db *sql.DB, cfg config.Application) (*Dependencies, error) {
	deps := &Dependencies{}

	deps.EventBus = event_bus.NewEventBus()
	deps.Clock = &utils.SystemClock{}

	deps.AuditRepo = audit.NewRepo(db)
	deps.AuditTrail = audit.NewTrail(deps.AuditRepo, deps.Clock)
	deps.AuditHandler = audit.NewHandler(deps.AuditTrail)

	bands, err := governance.NewBandTable(cfg.Governance.CashBands)
	if err != nil {
		return nil, fmt.Errorf("invalid cash band configuration: %w", err)
	}
	deps.Bands = bands
	deps.GovernanceRules = governance.NewRules(bands, deps.AuditTrail)

	tolerance, err := decimal.NewFromString(cfg.Governance.ThreeWayMatchTolerancePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid three-way match tolerance %q: %w", cfg.Governance.ThreeWayMatchTolerancePercent, err)
	}
	deps.MatchTolerance = tolerance

	deps.LineRepo = ledger.NewLineRepo(db)
	deps.TxRepo = ledger.NewTxRepo(db)
	deps.LedgerService = ledger.NewLedger(db, deps.LineRepo, deps.TxRepo, deps.AuditRepo, deps.EventBus, deps.Clock)
	deps.LedgerHandler = ledger.NewHandler(deps.LedgerService)

	deps.WorkflowEngine = workflow.NewEngine(db, deps.AuditRepo, deps.Clock)
	deps.WorkflowEngine.RegisterGuard(grn.GuardMinimumQuotes, grn.MinimumQuotesGuard(deps.GovernanceRules))

	deps.GRNRepo = grn.NewRepo(db, deps.Clock)
	if err := deps.WorkflowEngine.RegisterDefinition(grn.WorkflowDefinition(), deps.GRNRepo); err != nil {
		return nil, err
	}
	deps.GRNService = grn.NewService(db, deps.GRNRepo, deps.WorkflowEngine, deps.GovernanceRules,
		deps.LedgerService, deps.AuditRepo, deps.EventBus, deps.Clock, tolerance)
	deps.GRNHandler = grn.NewHandler(deps.GRNService)

	deps.TaskRepo = jobs.NewRepo(db)
	deps.TaskQueue = jobs.NewQueue(deps.TaskRepo, deps.Clock)
	deps.Worker = jobs.NewWorker(deps.TaskRepo, deps.Clock, cfg.Worker)
	deps.Worker.RegisterHandler(jobs.KindSupplierNotification, jobs.NotifySupplierHandler())
	deps.Worker.RegisterHandler(jobs.KindAuditArchival, jobs.ArchiveAuditHandler(deps.AuditRepo))
	jobs.RegisterSubscribers(deps.EventBus, deps.TaskQueue)

	return deps, nil
}
