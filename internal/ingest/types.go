// Package ingest implements the matching-and-upsert pipeline that reconciles
// tabular service records against the city object database.
package ingest

import (
	"context"
	"database/sql"
	"errors"
)

// Fatal batch preconditions. Anything else that goes wrong during a batch is
// row-local and becomes a skip outcome instead of an error.
var (
	ErrCityNotFound        = errors.New("city is not found in the database")
	ErrServiceTypeNotFound = errors.New("service type is not found in the database")
	ErrTypeChain           = errors.New("service type, city function or infrastructure type are not found in the database")
)

// ServiceType describes a category of services. Read once at batch start and
// immutable for the batch's lifetime.
type ServiceType struct {
	ID               int64
	Name             string
	Code             string
	CapacityMin      int
	CapacityMax      int
	StatusMin        int
	StatusMax        int
	IsBuilding       bool
	CityFunctionID   sql.NullInt64
	CityFunctionName sql.NullString
}

// TypeChain holds the service type -> city function -> infrastructure type
// resolution together with the capacity fallback range.
type TypeChain struct {
	CapacityMin          int
	CapacityMax          int
	ServiceTypeID        int64
	CityFunctionID       int64
	InfrastructureTypeID int64
}

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

// DispositionKind classifies what a row means for the database.
type DispositionKind int

const (
	SkipRow DispositionKind = iota
	UpdateExisting
	InsertNew
)

// FoundBy records how a container was resolved for an insert.
type FoundBy int

const (
	FoundNone FoundBy = iota
	FoundByAddress
	FoundByGeometry
)

// Resolution identifies the container a functional object attaches to:
// either a found physical object/building pair or a request to create one.
type Resolution struct {
	FoundBy         FoundBy
	PhysID          int64
	BuildingID      sql.NullInt64
	MatchedAddress  sql.NullString // stored address of the matched building
	UpgradeGeometry bool           // stored point, row supplied richer geometry
	Point           Point
	GeomType        string
	GeoJSON         sql.NullString
	Address         sql.NullString // stripped row address, for new buildings
	MunicipalityID  sql.NullInt64
	AdminUnitID     sql.NullInt64
	Name            string
}

// Disposition is the matcher's verdict for one row.
type Disposition struct {
	Kind         DispositionKind
	Reason       string // skip reason
	Rollback     bool   // skip left the transaction in an aborted state
	FunctionalID int64  // update target
	Resolution   Resolution
}

// AddressMatch is a building found by address suffix within 100 m.
type AddressMatch struct {
	PhysID     int64
	BuildingID int64
}

// GeomQuery parameterizes the container-by-geometry lookup.
type GeomQuery struct {
	CityID          int64
	MunicipalityID  sql.NullInt64
	AdminUnitID     sql.NullInt64
	GeoJSON         sql.NullString // polygon variant when set, point variant otherwise
	Point           Point
	RequireBuilding bool
}

// GeomMatch is a physical object found by spatial predicates.
type GeomMatch struct {
	GeomType   string
	PhysID     int64
	BuildingID sql.NullInt64
	Address    sql.NullString
}

// NewPhysical describes a physical object (and optionally its center point)
// to create.
type NewPhysical struct {
	ExternalID     sql.NullString
	GeoJSON        sql.NullString
	Point          Point
	CityID         int64
	MunicipalityID sql.NullInt64
	AdminUnitID    sql.NullInt64
}

// NewFunctional describes a functional object to insert.
type NewFunctional struct {
	Name                 string
	OpeningHours         sql.NullString
	Website              sql.NullString
	Phone                sql.NullString
	ServiceTypeID        int64
	CityFunctionID       int64
	InfrastructureTypeID int64
	Capacity             int
	IsCapacityReal       bool
	PhysicalObjectID     int64
	Properties           map[string]any
}

// FunctionalState is the subset of stored functional object fields the
// differential update compares against.
type FunctionalState struct {
	Name           string
	OpeningHours   sql.NullString
	Website        sql.NullString
	Phone          sql.NullString
	Capacity       int
	IsCapacityReal bool
	Properties     map[string]any
}

// FieldChange is one column assignment of a differential update.
type FieldChange struct {
	Column string
	Value  any
}

// Store is the storage surface the pipeline needs: lookups, writes and the
// savepoint/commit primitives of the single batch session.
type Store interface {
	CityID(ctx context.Context, name string) (int64, error)
	ServiceType(ctx context.Context, nameOrCode string) (*ServiceType, error)
	TypeChain(ctx context.Context, serviceTypeID int64) (*TypeChain, error)

	ResolveGeometry(ctx context.Context, geojson string) (geomType string, center Point, err error)
	MunicipalityAt(ctx context.Context, p Point) (sql.NullInt64, error)
	AdministrativeUnitAt(ctx context.Context, p Point) (sql.NullInt64, error)
	FindBuildingByAddress(ctx context.Context, cityID int64, address string, p Point) (*AddressMatch, error)
	FindContainerByGeometry(ctx context.Context, q GeomQuery) (*GeomMatch, error)
	FindFunctional(ctx context.Context, physID, serviceTypeID int64, name string) (int64, bool, error)

	UpgradeGeometry(ctx context.Context, physID int64, geojson string) error
	InsertPhysical(ctx context.Context, obj NewPhysical) (int64, error)
	InsertBuilding(ctx context.Context, physID int64, address sql.NullString) (int64, error)
	InsertFunctional(ctx context.Context, obj NewFunctional) (int64, error)
	Functional(ctx context.Context, id int64) (*FunctionalState, error)
	UpdateFunctional(ctx context.Context, id int64, changes []FieldChange) error
	MergeProperties(ctx context.Context, id int64, properties map[string]any) error
	PropertiesKeys(ctx context.Context, serviceType string) ([]string, error)

	Savepoint(ctx context.Context) error
	RollbackToSavepoint(ctx context.Context) error
	Checkpoint(ctx context.Context) error
	Commit(ctx context.Context) error
	Restart(ctx context.Context) error
}
