package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// fakeStore is an in-memory Store with just enough geometry semantics for the
// matcher: stored objects are points, proximity stands in for containment.
type fakeStore struct {
	cities       map[string]int64
	serviceTypes map[string]*ServiceType
	chains       map[int64]*TypeChain
	municipality sql.NullInt64
	adminUnit    sql.NullInt64

	physicals   []*fakePhysical
	buildings   []*fakeBuilding
	functionals []*fakeFunctional
	nextID      int64

	savepoints  int
	rollbacks   int
	checkpoints int
	commits     int
	restarts    int

	// onInsertFunctional, when set, runs before every functional insert and
	// may fail the write or cancel the batch.
	onInsertFunctional func(obj NewFunctional) error
}

type fakePhysical struct {
	id       int64
	geomType string
	point    Point
	cityID   int64
	geojson  sql.NullString
}

type fakeBuilding struct {
	id      int64
	physID  int64
	address sql.NullString
}

type fakeFunctional struct {
	id     int64
	physID int64
	typeID int64
	state  FunctionalState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cities: map[string]int64{"Санкт-Петербург": 1},
		serviceTypes: map[string]*ServiceType{
			"school": {ID: 10, Name: "school", Code: "schools", CapacityMin: 100, CapacityMax: 500, IsBuilding: true},
			"park":   {ID: 11, Name: "park", Code: "parks", CapacityMin: 1, CapacityMax: 10},
		},
		chains: map[int64]*TypeChain{
			10: {CapacityMin: 100, CapacityMax: 500, ServiceTypeID: 10, CityFunctionID: 2, InfrastructureTypeID: 3},
			11: {CapacityMin: 1, CapacityMax: 10, ServiceTypeID: 11, CityFunctionID: 2, InfrastructureTypeID: 3},
		},
		nextID: 100,
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) addPhysical(cityID int64, p Point, geomType string) *fakePhysical {
	phys := &fakePhysical{id: f.id(), geomType: geomType, point: p, cityID: cityID}
	f.physicals = append(f.physicals, phys)
	return phys
}

func (f *fakeStore) addBuilding(physID int64, address string) *fakeBuilding {
	build := &fakeBuilding{id: f.id(), physID: physID}
	if address != "" {
		build.address = sql.NullString{String: address, Valid: true}
	}
	f.buildings = append(f.buildings, build)
	return build
}

func (f *fakeStore) buildingOf(physID int64) *fakeBuilding {
	for _, build := range f.buildings {
		if build.physID == physID {
			return build
		}
	}
	return nil
}

func (f *fakeStore) CityID(_ context.Context, name string) (int64, error) {
	if id, ok := f.cities[name]; ok {
		return id, nil
	}
	return 0, ErrCityNotFound
}

func (f *fakeStore) ServiceType(_ context.Context, nameOrCode string) (*ServiceType, error) {
	for _, st := range f.serviceTypes {
		if st.Name == nameOrCode || st.Code == nameOrCode {
			return st, nil
		}
	}
	return nil, ErrServiceTypeNotFound
}

func (f *fakeStore) TypeChain(_ context.Context, serviceTypeID int64) (*TypeChain, error) {
	if chain, ok := f.chains[serviceTypeID]; ok {
		return chain, nil
	}
	return nil, ErrTypeChain
}

func (f *fakeStore) ResolveGeometry(_ context.Context, geojson string) (string, Point, error) {
	var geom struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal([]byte(geojson), &geom); err != nil || geom.Type == "" {
		return "", Point{}, fmt.Errorf("invalid geometry")
	}
	switch geom.Type {
	case "Point":
		var coords [2]float64
		if err := json.Unmarshal(geom.Coordinates, &coords); err != nil {
			return "", Point{}, fmt.Errorf("invalid geometry")
		}
		return "ST_Point", Point{Lat: coords[1], Lon: coords[0]}, nil
	case "Polygon":
		var rings [][][2]float64
		if err := json.Unmarshal(geom.Coordinates, &rings); err != nil || len(rings) == 0 || len(rings[0]) == 0 {
			return "", Point{}, fmt.Errorf("invalid geometry")
		}
		var lat, lon float64
		for _, vertex := range rings[0] {
			lon += vertex[0]
			lat += vertex[1]
		}
		n := float64(len(rings[0]))
		return "ST_Polygon", Point{Lat: lat / n, Lon: lon / n}, nil
	}
	return "", Point{}, fmt.Errorf("invalid geometry")
}

func (f *fakeStore) MunicipalityAt(context.Context, Point) (sql.NullInt64, error) {
	return f.municipality, nil
}

func (f *fakeStore) AdministrativeUnitAt(context.Context, Point) (sql.NullInt64, error) {
	return f.adminUnit, nil
}

// metersBetween is a flat-earth approximation, fine at test scale.
func metersBetween(a, b Point) float64 {
	dLat := (a.Lat - b.Lat) * 111320
	dLon := (a.Lon - b.Lon) * 111320 * math.Cos(a.Lat*math.Pi/180)
	return math.Hypot(dLat, dLon)
}

func (f *fakeStore) FindBuildingByAddress(_ context.Context, cityID int64, address string, p Point) (*AddressMatch, error) {
	for _, build := range f.buildings {
		if !build.address.Valid || !strings.HasSuffix(build.address.String, address) {
			continue
		}
		for _, phys := range f.physicals {
			if phys.id == build.physID && phys.cityID == cityID && metersBetween(phys.point, p) < 100 {
				return &AddressMatch{PhysID: phys.id, BuildingID: build.id}, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeStore) FindContainerByGeometry(_ context.Context, q GeomQuery) (*GeomMatch, error) {
	for _, phys := range f.physicals {
		if phys.cityID != q.CityID {
			continue
		}
		build := f.buildingOf(phys.id)
		if q.RequireBuilding != (build != nil) {
			continue
		}
		if math.Abs(phys.point.Lon-q.Point.Lon) >= 0.0001 || math.Abs(phys.point.Lat-q.Point.Lat) >= 0.0001 {
			continue
		}
		match := &GeomMatch{GeomType: phys.geomType, PhysID: phys.id}
		if build != nil {
			match.BuildingID = sql.NullInt64{Int64: build.id, Valid: true}
			match.Address = build.address
		}
		return match, nil
	}
	return nil, nil
}

func (f *fakeStore) FindFunctional(_ context.Context, physID, serviceTypeID int64, name string) (int64, bool, error) {
	for _, fn := range f.functionals {
		if fn.physID == physID && fn.typeID == serviceTypeID && fn.state.Name == name {
			return fn.id, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeStore) UpgradeGeometry(_ context.Context, physID int64, geojson string) error {
	for _, phys := range f.physicals {
		if phys.id == physID {
			phys.geomType = "ST_Polygon"
			phys.geojson = sql.NullString{String: geojson, Valid: true}
			return nil
		}
	}
	return fmt.Errorf("physical object %d not found", physID)
}

func (f *fakeStore) InsertPhysical(_ context.Context, obj NewPhysical) (int64, error) {
	geomType := "ST_Point"
	if obj.GeoJSON.Valid {
		var err error
		if geomType, _, err = f.ResolveGeometry(context.Background(), obj.GeoJSON.String); err != nil {
			return 0, err
		}
	}
	phys := &fakePhysical{id: f.id(), geomType: geomType, point: obj.Point, cityID: obj.CityID, geojson: obj.GeoJSON}
	f.physicals = append(f.physicals, phys)
	return phys.id, nil
}

func (f *fakeStore) InsertBuilding(_ context.Context, physID int64, address sql.NullString) (int64, error) {
	build := &fakeBuilding{id: f.id(), physID: physID, address: address}
	f.buildings = append(f.buildings, build)
	return build.id, nil
}

func (f *fakeStore) InsertFunctional(_ context.Context, obj NewFunctional) (int64, error) {
	if f.onInsertFunctional != nil {
		if err := f.onInsertFunctional(obj); err != nil {
			return 0, err
		}
	}
	fn := &fakeFunctional{
		id:     f.id(),
		physID: obj.PhysicalObjectID,
		typeID: obj.ServiceTypeID,
		state: FunctionalState{
			Name:           obj.Name,
			OpeningHours:   obj.OpeningHours,
			Website:        obj.Website,
			Phone:          obj.Phone,
			Capacity:       obj.Capacity,
			IsCapacityReal: obj.IsCapacityReal,
			Properties:     obj.Properties,
		},
	}
	f.functionals = append(f.functionals, fn)
	return fn.id, nil
}

func (f *fakeStore) functional(id int64) *fakeFunctional {
	for _, fn := range f.functionals {
		if fn.id == id {
			return fn
		}
	}
	return nil
}

func (f *fakeStore) Functional(_ context.Context, id int64) (*FunctionalState, error) {
	if fn := f.functional(id); fn != nil {
		state := fn.state
		return &state, nil
	}
	return nil, fmt.Errorf("functional object %d not found", id)
}

func (f *fakeStore) UpdateFunctional(_ context.Context, id int64, changes []FieldChange) error {
	fn := f.functional(id)
	if fn == nil {
		return fmt.Errorf("functional object %d not found", id)
	}
	for _, change := range changes {
		switch change.Column {
		case "name":
			fn.state.Name = change.Value.(string)
		case "opening_hours":
			fn.state.OpeningHours = sql.NullString{String: change.Value.(string), Valid: true}
		case "website":
			fn.state.Website = sql.NullString{String: change.Value.(string), Valid: true}
		case "phone":
			fn.state.Phone = sql.NullString{String: change.Value.(string), Valid: true}
		case "capacity":
			fn.state.Capacity = change.Value.(int)
		case "is_capacity_real":
			fn.state.IsCapacityReal = change.Value.(bool)
		case "updated_at":
			// tracked implicitly
		default:
			return fmt.Errorf("unexpected column %q", change.Column)
		}
	}
	return nil
}

func (f *fakeStore) MergeProperties(_ context.Context, id int64, properties map[string]any) error {
	fn := f.functional(id)
	if fn == nil {
		return fmt.Errorf("functional object %d not found", id)
	}
	if fn.state.Properties == nil {
		fn.state.Properties = map[string]any{}
	}
	for key, value := range properties {
		fn.state.Properties[key] = value
	}
	return nil
}

func (f *fakeStore) PropertiesKeys(context.Context, string) ([]string, error) {
	keys := map[string]bool{}
	for _, fn := range f.functionals {
		for key := range fn.state.Properties {
			keys[key] = true
		}
	}
	var out []string
	for key := range keys {
		out = append(out, key)
	}
	return out, nil
}

func (f *fakeStore) Savepoint(context.Context) error           { f.savepoints++; return nil }
func (f *fakeStore) RollbackToSavepoint(context.Context) error { f.rollbacks++; return nil }
func (f *fakeStore) Checkpoint(context.Context) error          { f.checkpoints++; return nil }
func (f *fakeStore) Commit(context.Context) error              { f.commits++; return nil }
func (f *fakeStore) Restart(context.Context) error             { f.restarts++; return nil }
