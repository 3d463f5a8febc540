package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	Host       string     `koanf:"host"`
	Database   Database   `koanf:"db"`
	Governance Governance `koanf:"governance"`
	Worker     Worker     `koanf:"worker"`
}

// Database points at the embedded SQLite database file. The immutability
// triggers in the migrations depend on SQLite, so it is the single storage
// engine for production and tests alike.
type Database struct {
	Path string `koanf:"path"`
}

// Governance carries the rule configuration the engine evaluates against.
type Governance struct {
	// CashBands must be contiguous and ascending; validated by governance.NewBandTable.
	CashBands []CashBand `koanf:"cashbands"`
	// ThreeWayMatchTolerancePercent is the allowed variance between reference
	// and comparison amounts, in percent.
	ThreeWayMatchTolerancePercent string `koanf:"threewaymatchtolerance"`
}

// CashBand is one monetary range with its sourcing requirements. Amounts are
// decimal strings to keep 2-dp precision out of float territory.
type CashBand struct {
	Label          string   `koanf:"label"`
	Min            string   `koanf:"min"`
	Max            string   `koanf:"max"` // empty = unbounded top band
	SourcingMethod string   `koanf:"sourcingmethod"`
	MinimumQuotes  int      `koanf:"minimumquotes"`
	ApproverRoles  []string `koanf:"approverroles"`
}

type Worker struct {
	PollIntervalSeconds int `koanf:"pollintervalseconds"`
	Concurrency         int `koanf:"concurrency"`
}

// DefaultCashBands is the public-sector sourcing threshold table used when no
// configuration file overrides it.
func DefaultCashBands() []CashBand {
	return []CashBand{
		{Label: "micro", Min: "0", Max: "50000", SourcingMethod: "petty_cash", MinimumQuotes: 1, ApproverRoles: []string{"unit_head"}},
		{Label: "low", Min: "50000.01", Max: "250000", SourcingMethod: "request_for_quotation", MinimumQuotes: 3, ApproverRoles: []string{"unit_head", "procurement_officer"}},
		{Label: "medium", Min: "250000.01", Max: "1000000", SourcingMethod: "restricted_tender", MinimumQuotes: 3, ApproverRoles: []string{"procurement_officer", "finance_director"}},
		{Label: "high", Min: "1000000.01", Max: "5000000", SourcingMethod: "open_tender", MinimumQuotes: 5, ApproverRoles: []string{"finance_director", "accounting_officer"}},
		{Label: "strategic", Min: "5000000.01", Max: "", SourcingMethod: "open_tender", MinimumQuotes: 5, ApproverRoles: []string{"accounting_officer", "board"}},
	}
}

func Load(path string) (Application, error) {
	var k = koanf.New(".")

	err := k.Load(structs.Provider(Application{
		Host: "http://localhost:3000",
		Database: Database{
			Path: "./fiscora.db",
		},
		Governance: Governance{
			CashBands:                     DefaultCashBands(),
			ThreeWayMatchTolerancePercent: "2",
		},
		Worker: Worker{
			PollIntervalSeconds: 5,
			Concurrency:         2,
		},
	}, "koanf"), nil)
	if err != nil {
		log.Errorf("error loading config from structs: %v", err)
		return Application{}, err
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if os.IsNotExist(err) {
			log.Infof("Config file not found at %s, using defaults and environment variables", path)
		} else {
			log.Errorf("error loading config from YAML: %v", err)
			return Application{}, err
		}
	} else {
		log.Infof("Loaded configuration from file: %s", path)
	}

	err = k.Load(env.Provider(".", env.Opt{
		Prefix: "FISCORA_",
		TransformFunc: func(k, v string) (string, any) {
			// Transform the key.
			k = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, "FISCORA_")), "_", ".")
			return k, v
		},
	}), nil)
	if err != nil {
		log.Errorf("error loading config from envs: %v", err)
		return Application{}, err
	}

	var app Application
	if err := k.Unmarshal("", &app); err != nil {
		return Application{}, err
	}

	return app, nil
}
