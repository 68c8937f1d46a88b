// Package dbmux routes data access for the school back office across several
// PostgreSQL and MongoDB instances.
//
// Every user role belongs to a group, and every group is served by a list of
// instances. Reads go to one instance of the caller's group chosen at random;
// writes are replicated to every instance of the group, one after the other.
// Callers without a role read from, and write to, every instance.
//
// Basic usage:
//
//	cfg, err := dbmux.LoadConfig("dbmux.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := dbmux.New(ctx, dbmux.WithConfig(cfg))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	res, err := client.Query(ctx,
//	    "SELECT id, nombres FROM t_profesores_primaria WHERE activo = $1",
//	    []any{true},
//	    dbmux.WithRole(dbmux.RolePrimaryTeacher),
//	    dbmux.WithCache(),
//	)
package dbmux

import (
	"github.com/blueberrycongee/dbmux/internal/config"
	"github.com/blueberrycongee/dbmux/internal/document"
	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/registry"
	"github.com/blueberrycongee/dbmux/internal/relational"
	"github.com/blueberrycongee/dbmux/internal/router"
	"github.com/blueberrycongee/dbmux/internal/swipes"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// Re-exported types for convenience.
type (
	Role       = types.Role
	Family     = types.Family
	InstanceID = types.InstanceID

	Config = config.Config

	Statement        = relational.Statement
	StatementKind    = relational.Kind
	RelationalResult = relational.Result
	RelationalPool   = relational.Pool

	Operation      = document.Operation
	OpKind         = document.OpKind
	DocumentResult = document.Result
	DocumentPool   = document.Pool

	Find           = document.Find
	FindOne        = document.FindOne
	InsertOne      = document.InsertOne
	InsertMany     = document.InsertMany
	UpdateOne      = document.UpdateOne
	UpdateMany     = document.UpdateMany
	DeleteOne      = document.DeleteOne
	DeleteMany     = document.DeleteMany
	ReplaceOne     = document.ReplaceOne
	Aggregate      = document.Aggregate
	CountDocuments = document.CountDocuments

	Metrics        = metrics.Collector
	InstancePicker = router.InstancePicker
	PickerFunc     = router.PickerFunc
	SecretResolver = registry.SecretResolver

	Swipe       = swipes.Swipe
	SwipeReport = swipes.Report
	SwipeOption = swipes.RecorderOption

	PartialWriteError     = dberrors.PartialWriteError
	RetriesExhaustedError = dberrors.RetriesExhaustedError
	InstanceError         = dberrors.InstanceError
)

// Families.
const (
	FamilyRelational = types.FamilyRelational
	FamilyDocument   = types.FamilyDocument
)

// Roles.
const (
	RoleDirector            = types.RoleDirector
	RoleAuxiliary           = types.RoleAuxiliary
	RoleAdministrativeStaff = types.RoleAdministrativeStaff
	RoleGuardian            = types.RoleGuardian
	RoleSecondaryTeacher    = types.RoleSecondaryTeacher
	RoleTutor               = types.RoleTutor
	RolePrimaryTeacher      = types.RolePrimaryTeacher
)

// Statement kinds.
const (
	StatementAuto  = relational.KindAuto
	StatementRead  = relational.KindRead
	StatementWrite = relational.KindWrite
)

// Environments.
const (
	EnvironmentLocal         = config.EnvironmentLocal
	EnvironmentDevelopment   = config.EnvironmentDevelopment
	EnvironmentCertification = config.EnvironmentCertification
	EnvironmentTesting       = config.EnvironmentTesting
	EnvironmentProduction    = config.EnvironmentProduction
)

// Configuration loading.
var (
	LoadConfig    = config.LoadFromFile
	ParseConfig   = config.Parse
	DefaultConfig = config.DefaultConfig
)

// NewStatement builds a statement classified by its text.
func NewStatement(text string, args ...any) Statement {
	return relational.NewStatement(text, args...)
}

// NewMetrics registers the Prometheus collectors.
func NewMetrics() *Metrics {
	return metrics.NewCollector()
}
