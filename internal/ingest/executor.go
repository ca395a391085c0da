package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"reflect"
	"time"

	"github.com/citydb-services/internal/sqltype"
	"github.com/citydb-services/internal/table"
)

// Executor performs the insert/update statements for classified rows.
type Executor struct {
	store      Store
	st         *ServiceType
	chain      *TypeChain
	cityID     int64
	mapping    Mapping
	properties map[string]string // document key -> input column
	newPrefix  string
	rnd        *rand.Rand
	now        func() time.Time
}

// NewExecutor creates an executor for one batch. The type chain must already
// be resolved; an unresolvable chain is a fatal batch precondition.
func NewExecutor(store Store, st *ServiceType, chain *TypeChain, cityID int64, mapping Mapping, properties map[string]string, newPrefix string) *Executor {
	return &Executor{
		store:      store,
		st:         st,
		chain:      chain,
		cityID:     cityID,
		mapping:    mapping,
		properties: properties,
		newPrefix:  newPrefix,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

// Insert creates the container when the resolution asks for one, applies the
// pending geometry upgrade, and inserts the functional object. It fills in
// the ids of a newly created container so the caller can report them.
func (e *Executor) Insert(ctx context.Context, row table.Row, res *Resolution) (int64, error) {
	if res.FoundBy == FoundNone {
		physID, err := e.store.InsertPhysical(ctx, NewPhysical{
			ExternalID:     rowNullString(row, e.mapping.ExternalID),
			GeoJSON:        res.GeoJSON,
			Point:          res.Point,
			CityID:         e.cityID,
			MunicipalityID: res.MunicipalityID,
			AdminUnitID:    res.AdminUnitID,
		})
		if err != nil {
			return -1, fmt.Errorf("failed to insert physical object: %w", err)
		}
		res.PhysID = physID

		if e.st.IsBuilding {
			address := sql.NullString{}
			if res.Address.Valid {
				address = sql.NullString{String: e.newPrefix + res.Address.String, Valid: true}
			}
			buildID, err := e.store.InsertBuilding(ctx, physID, address)
			if err != nil {
				return -1, fmt.Errorf("failed to insert building: %w", err)
			}
			res.BuildingID = sql.NullInt64{Int64: buildID, Valid: true}
		}
	}

	if res.UpgradeGeometry && res.GeoJSON.Valid {
		if err := e.store.UpgradeGeometry(ctx, res.PhysID, res.GeoJSON.String); err != nil {
			return -1, fmt.Errorf("failed to upgrade geometry: %w", err)
		}
	}

	capacity, isReal := e.resolveCapacity(row)
	id, err := e.store.InsertFunctional(ctx, NewFunctional{
		Name:                 res.Name,
		OpeningHours:         rowNullString(row, e.mapping.OpeningHours),
		Website:              rowNullString(row, e.mapping.Website),
		Phone:                rowNullString(row, e.mapping.Phone),
		ServiceTypeID:        e.chain.ServiceTypeID,
		CityFunctionID:       e.chain.CityFunctionID,
		InfrastructureTypeID: e.chain.InfrastructureTypeID,
		Capacity:             capacity,
		IsCapacityReal:       isReal,
		PhysicalObjectID:     res.PhysID,
		Properties:           e.buildProperties(row),
	})
	if err != nil {
		return -1, fmt.Errorf("failed to insert functional object: %w", err)
	}
	return id, nil
}

// Update applies a differential update to an existing functional object.
// Only fields whose new value is non-empty and differs from the stored one
// are written; updated_at is always touched. A real capacity is never
// overwritten when the row supplies none.
func (e *Executor) Update(ctx context.Context, row table.Row, functionalID int64, name string) error {
	current, err := e.store.Functional(ctx, functionalID)
	if err != nil {
		return fmt.Errorf("failed to read functional object %d: %w", functionalID, err)
	}

	var changes []FieldChange
	appendChanged := func(column, stored, next string) {
		if next != "" && next != stored {
			changes = append(changes, FieldChange{Column: column, Value: next})
		}
	}
	appendChanged("name", current.Name, name)
	appendChanged("opening_hours", current.OpeningHours.String, rowString(row, e.mapping.OpeningHours))
	appendChanged("website", current.Website.String, rowString(row, e.mapping.Website))
	appendChanged("phone", current.Phone.String, rowString(row, e.mapping.Phone))

	if capacity, ok := e.rowCapacity(row); ok {
		if capacity != current.Capacity {
			changes = append(changes, FieldChange{Column: "capacity", Value: capacity})
		}
		if !current.IsCapacityReal {
			changes = append(changes, FieldChange{Column: "is_capacity_real", Value: true})
		}
	}
	changes = append(changes, FieldChange{Column: "updated_at", Value: e.now()})

	if err := e.store.UpdateFunctional(ctx, functionalID, changes); err != nil {
		return fmt.Errorf("failed to update functional object %d: %w", functionalID, err)
	}

	properties := e.buildProperties(row)
	if !reflect.DeepEqual(properties, current.Properties) {
		if err := e.store.MergeProperties(ctx, functionalID, properties); err != nil {
			return fmt.Errorf("failed to merge properties of functional object %d: %w", functionalID, err)
		}
	}
	return nil
}

// resolveCapacity returns the row's capacity when it coerces to an integer,
// otherwise a uniform random value from the service type's range.
func (e *Executor) resolveCapacity(row table.Row) (int, bool) {
	if capacity, ok := e.rowCapacity(row); ok {
		return capacity, true
	}
	span := e.chain.CapacityMax - e.chain.CapacityMin
	if span < 0 {
		span = 0
	}
	return e.chain.CapacityMin + e.rnd.Intn(span+1), false
}

func (e *Executor) rowCapacity(row table.Row) (int, bool) {
	if e.mapping.Capacity == "" || !row.Has(e.mapping.Capacity) {
		return 0, false
	}
	value, err := sqltype.Int.Cast(row.Value(e.mapping.Capacity))
	if err != nil || value == nil {
		return 0, false
	}
	return value.(int), true
}

// buildProperties assembles the extra-properties document from the
// caller-supplied mapping, keeping only keys present and non-empty in the row.
func (e *Executor) buildProperties(row table.Row) map[string]any {
	properties := map[string]any{}
	for key, column := range e.properties {
		if row.Has(column) && row.String(column) != "" {
			properties[key] = row.Value(column)
		}
	}
	return properties
}

func rowString(row table.Row, column string) string {
	if column == "" {
		return ""
	}
	return row.String(column)
}

func rowNullString(row table.Row, column string) sql.NullString {
	if column == "" || !row.Has(column) {
		return sql.NullString{}
	}
	s := row.String(column)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
