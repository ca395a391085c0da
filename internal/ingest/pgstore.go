package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/citydb-services/internal/db"
)

// PGStore implements Store over a single pinned Postgres session. The spatial
// predicates rely on PostGIS.
type PGStore struct {
	session *db.Session
}

// NewPGStore wraps a session.
func NewPGStore(session *db.Session) *PGStore {
	return &PGStore{session: session}
}

func (s *PGStore) CityID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.session.QueryRowContext(ctx, "SELECT id FROM cities WHERE name = $1", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCityNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve city %q: %w", name, err)
	}
	return id, nil
}

func (s *PGStore) ServiceType(ctx context.Context, nameOrCode string) (*ServiceType, error) {
	st := ServiceType{}
	err := s.session.QueryRowContext(ctx, `
		SELECT st.id, st.name, st.code, st.capacity_min, st.capacity_max,
			st.status_min, st.status_max, st.is_building, cf.id, cf.name
		FROM city_service_types st
			LEFT JOIN city_functions cf ON st.city_function_id = cf.id
		WHERE st.name = $1 OR st.code = $1`,
		nameOrCode,
	).Scan(&st.ID, &st.Name, &st.Code, &st.CapacityMin, &st.CapacityMax,
		&st.StatusMin, &st.StatusMax, &st.IsBuilding, &st.CityFunctionID, &st.CityFunctionName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve service type %q: %w", nameOrCode, err)
	}
	return &st, nil
}

func (s *PGStore) TypeChain(ctx context.Context, serviceTypeID int64) (*TypeChain, error) {
	chain := TypeChain{}
	err := s.session.QueryRowContext(ctx, `
		SELECT st.capacity_min, st.capacity_max, st.id, cf.id, it.id
		FROM city_infrastructure_types it
			JOIN city_functions cf ON cf.city_infrastructure_type_id = it.id
			JOIN city_service_types st ON st.city_function_id = cf.id
		WHERE st.id = $1`,
		serviceTypeID,
	).Scan(&chain.CapacityMin, &chain.CapacityMax, &chain.ServiceTypeID, &chain.CityFunctionID, &chain.InfrastructureTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTypeChain
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve type chain for service type %d: %w", serviceTypeID, err)
	}
	return &chain, nil
}

func (s *PGStore) ResolveGeometry(ctx context.Context, geojson string) (string, Point, error) {
	var geomType string
	var p Point
	err := s.session.QueryRowContext(ctx, `
		WITH tmp AS (SELECT ST_SetSRID(ST_GeomFromGeoJSON($1), 4326) AS geometry)
		SELECT ST_GeometryType((SELECT geometry FROM tmp)),
			ST_Y(ST_Centroid((SELECT geometry FROM tmp))),
			ST_X(ST_Centroid((SELECT geometry FROM tmp)))`,
		geojson,
	).Scan(&geomType, &p.Lat, &p.Lon)
	if err != nil {
		return "", Point{}, fmt.Errorf("failed to parse geometry: %w", err)
	}
	return geomType, p, nil
}

func (s *PGStore) MunicipalityAt(ctx context.Context, p Point) (sql.NullInt64, error) {
	return s.containingID(ctx, "municipalities", p)
}

func (s *PGStore) AdministrativeUnitAt(ctx context.Context, p Point) (sql.NullInt64, error) {
	return s.containingID(ctx, "administrative_units", p)
}

func (s *PGStore) containingID(ctx context.Context, tableName string, p Point) (sql.NullInt64, error) {
	var id int64
	err := s.session.QueryRowContext(ctx,
		"SELECT id FROM "+tableName+
			" WHERE ST_Within(ST_SetSRID(ST_MakePoint($1, $2), 4326), geometry) LIMIT 1",
		p.Lon, p.Lat,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.NullInt64{}, nil
	}
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("failed to query %s containment: %w", tableName, err)
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

func (s *PGStore) FindBuildingByAddress(ctx context.Context, cityID int64, address string, p Point) (*AddressMatch, error) {
	match := AddressMatch{}
	err := s.session.QueryRowContext(ctx, `
		SELECT phys.id, build.id FROM physical_objects phys
			JOIN buildings build ON build.physical_object_id = phys.id
		WHERE phys.city_id = $1 AND build.address LIKE $2 AND
			ST_Distance(phys.center::geography, ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography) < 100
		LIMIT 1`,
		cityID, "%"+address, p.Lon, p.Lat,
	).Scan(&match.PhysID, &match.BuildingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find building by address: %w", err)
	}
	return &match, nil
}

func (s *PGStore) FindContainerByGeometry(ctx context.Context, q GeomQuery) (*GeomMatch, error) {
	var sb strings.Builder
	args := []any{q.CityID}

	sb.WriteString("SELECT ST_GeometryType(phys.geometry), phys.id")
	if q.RequireBuilding {
		sb.WriteString(", build.id, build.address FROM physical_objects phys" +
			" JOIN buildings build ON build.physical_object_id = phys.id")
	} else {
		sb.WriteString(", NULL::integer, NULL::character varying FROM physical_objects phys")
	}
	sb.WriteString(" WHERE phys.city_id = $1")
	if !q.RequireBuilding {
		sb.WriteString(" AND NOT EXISTS (SELECT 1 FROM buildings WHERE physical_object_id = phys.id)")
	}
	if q.MunicipalityID.Valid {
		args = append(args, q.MunicipalityID.Int64)
		fmt.Fprintf(&sb, " AND phys.municipality_id = $%d", len(args))
	}
	if q.AdminUnitID.Valid {
		args = append(args, q.AdminUnitID.Int64)
		fmt.Fprintf(&sb, " AND phys.administrative_unit_id = $%d", len(args))
	}
	if q.GeoJSON.Valid {
		args = append(args, q.GeoJSON.String)
		predicate := "ST_Intersects"
		if !q.RequireBuilding {
			predicate = "ST_CoveredBy"
		}
		fmt.Fprintf(&sb, " AND %s(ST_SetSRID(ST_GeomFromGeoJSON($%d), 4326), phys.geometry)", predicate, len(args))
	} else {
		args = append(args, q.Point.Lon, q.Point.Lat)
		lon, lat := len(args)-1, len(args)
		fmt.Fprintf(&sb, " AND (ST_GeometryType(phys.geometry) = 'ST_Point'"+
			" AND abs(ST_X(phys.geometry) - $%d) < 0.0001"+
			" AND abs(ST_Y(phys.geometry) - $%d) < 0.0001"+
			" OR ST_Intersects(ST_SetSRID(ST_MakePoint($%d, $%d), 4326), phys.geometry))",
			lon, lat, lon, lat)
	}
	sb.WriteString(" LIMIT 1")

	match := GeomMatch{}
	err := s.session.QueryRowContext(ctx, sb.String(), args...).
		Scan(&match.GeomType, &match.PhysID, &match.BuildingID, &match.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find container by geometry: %w", err)
	}
	return &match, nil
}

func (s *PGStore) FindFunctional(ctx context.Context, physID, serviceTypeID int64, name string) (int64, bool, error) {
	var id int64
	err := s.session.QueryRowContext(ctx, `
		SELECT id FROM functional_objects
		WHERE physical_object_id = $1 AND city_service_type_id = $2 AND name = $3
		LIMIT 1`,
		physID, serviceTypeID, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find functional object: %w", err)
	}
	return id, true, nil
}

func (s *PGStore) UpgradeGeometry(ctx context.Context, physID int64, geojson string) error {
	_, err := s.session.ExecContext(ctx, `
		UPDATE physical_objects
		SET geometry = ST_SetSRID(ST_GeomFromGeoJSON($1), 4326),
			center = ST_Centroid(ST_SetSRID(ST_GeomFromGeoJSON($1), 4326))
		WHERE id = $2`,
		geojson, physID,
	)
	if err != nil {
		return fmt.Errorf("failed to upgrade geometry of physical object %d: %w", physID, err)
	}
	return nil
}

func (s *PGStore) InsertPhysical(ctx context.Context, obj NewPhysical) (int64, error) {
	var id int64
	var err error
	if obj.GeoJSON.Valid {
		err = s.session.QueryRowContext(ctx, `
			INSERT INTO physical_objects (osm_id, geometry, center, city_id, municipality_id, administrative_unit_id)
			VALUES ($1, ST_SetSRID(ST_GeomFromGeoJSON($2), 4326), ST_SetSRID(ST_MakePoint($3, $4), 4326), $5, $6, $7)
			RETURNING id`,
			obj.ExternalID, obj.GeoJSON.String, obj.Point.Lon, obj.Point.Lat,
			obj.CityID, obj.MunicipalityID, obj.AdminUnitID,
		).Scan(&id)
	} else {
		err = s.session.QueryRowContext(ctx, `
			INSERT INTO physical_objects (osm_id, geometry, center, city_id, municipality_id, administrative_unit_id)
			VALUES ($1, ST_SetSRID(ST_MakePoint($2, $3), 4326), ST_SetSRID(ST_MakePoint($2, $3), 4326), $4, $5, $6)
			RETURNING id`,
			obj.ExternalID, obj.Point.Lon, obj.Point.Lat,
			obj.CityID, obj.MunicipalityID, obj.AdminUnitID,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert physical object: %w", err)
	}
	return id, nil
}

func (s *PGStore) InsertBuilding(ctx context.Context, physID int64, address sql.NullString) (int64, error) {
	var id int64
	err := s.session.QueryRowContext(ctx,
		"INSERT INTO buildings (physical_object_id, address) VALUES ($1, $2) RETURNING id",
		physID, address,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert building: %w", err)
	}
	return id, nil
}

func (s *PGStore) InsertFunctional(ctx context.Context, obj NewFunctional) (int64, error) {
	properties, err := json.Marshal(obj.Properties)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize properties: %w", err)
	}
	var id int64
	err = s.session.QueryRowContext(ctx, `
		INSERT INTO functional_objects (name, opening_hours, website, phone,
			city_service_type_id, city_function_id, city_infrastructure_type_id,
			capacity, is_capacity_real, physical_object_id, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
		RETURNING id`,
		obj.Name, obj.OpeningHours, obj.Website, obj.Phone,
		obj.ServiceTypeID, obj.CityFunctionID, obj.InfrastructureTypeID,
		obj.Capacity, obj.IsCapacityReal, obj.PhysicalObjectID, string(properties),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert functional object: %w", err)
	}
	return id, nil
}

func (s *PGStore) Functional(ctx context.Context, id int64) (*FunctionalState, error) {
	state := FunctionalState{}
	var properties []byte
	err := s.session.QueryRowContext(ctx, `
		SELECT name, opening_hours, website, phone, capacity, is_capacity_real, properties
		FROM functional_objects WHERE id = $1`,
		id,
	).Scan(&state.Name, &state.OpeningHours, &state.Website, &state.Phone,
		&state.Capacity, &state.IsCapacityReal, &properties)
	if err != nil {
		return nil, fmt.Errorf("failed to read functional object %d: %w", id, err)
	}
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &state.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of functional object %d: %w", id, err)
		}
	}
	return &state, nil
}

func (s *PGStore) UpdateFunctional(ctx context.Context, id int64, changes []FieldChange) error {
	if len(changes) == 0 {
		return nil
	}
	assignments := make([]string, len(changes))
	args := make([]any, 0, len(changes)+1)
	for i, change := range changes {
		args = append(args, change.Value)
		assignments[i] = fmt.Sprintf("%s = $%d", change.Column, len(args))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE functional_objects SET %s WHERE id = $%d",
		strings.Join(assignments, ", "), len(args))
	if _, err := s.session.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update functional object %d: %w", id, err)
	}
	return nil
}

func (s *PGStore) MergeProperties(ctx context.Context, id int64, properties map[string]any) error {
	data, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to serialize properties: %w", err)
	}
	_, err = s.session.ExecContext(ctx,
		"UPDATE functional_objects SET properties = properties || $1::jsonb WHERE id = $2",
		string(data), id,
	)
	if err != nil {
		return fmt.Errorf("failed to merge properties of functional object %d: %w", id, err)
	}
	return nil
}

// PropertiesKeys lists the distinct JSONB property keys already stored for a
// service type, so callers can build a properties mapping.
func (s *PGStore) PropertiesKeys(ctx context.Context, serviceType string) ([]string, error) {
	rows, err := s.session.QueryContext(ctx, `
		WITH st AS (SELECT id FROM city_service_types WHERE name = $1 OR code = $1)
		SELECT DISTINCT jsonb_object_keys(properties)
		FROM functional_objects
		WHERE city_service_type_id = (SELECT id FROM st)
		ORDER BY 1`,
		serviceType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan properties key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PGStore) Savepoint(ctx context.Context) error           { return s.session.Savepoint(ctx) }
func (s *PGStore) RollbackToSavepoint(ctx context.Context) error { return s.session.RollbackToSavepoint(ctx) }
func (s *PGStore) Checkpoint(ctx context.Context) error          { return s.session.Checkpoint(ctx) }
func (s *PGStore) Commit(ctx context.Context) error              { return s.session.Commit(ctx) }
func (s *PGStore) Restart(ctx context.Context) error             { return s.session.Restart(ctx) }
