package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/citydb-services/internal/table"
)

// Matcher classifies single input rows against the database: update an
// existing service, insert into a found container, or insert a new container.
type Matcher struct {
	store    Store
	st       *ServiceType
	cityID   int64
	mapping  Mapping
	prefixes []string // sorted longest first
}

// NewMatcher creates a matcher for one batch. Address prefixes are sorted by
// descending length so the most specific prefix wins.
func NewMatcher(store Store, st *ServiceType, cityID int64, mapping Mapping, addressPrefixes []string) *Matcher {
	prefixes := append([]string(nil), addressPrefixes...)
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return &Matcher{
		store:    store,
		st:       st,
		cityID:   cityID,
		mapping:  mapping,
		prefixes: prefixes,
	}
}

func skip(reason string) Disposition {
	return Disposition{Kind: SkipRow, Reason: reason}
}

// Classify runs the decision procedure for one row. It performs lookups only;
// all writes are left to the executor. A returned error is row-local: the
// caller rolls back to the last checkpoint and records a skip.
func (m *Matcher) Classify(ctx context.Context, row table.Row) (Disposition, error) {
	res := Resolution{}

	// Geometry resolution: a mapped geometry blob wins over coordinates.
	if m.mapping.Geometry != "" && row.Has(m.mapping.Geometry) {
		blob := row.String(m.mapping.Geometry)
		geomType, center, err := m.store.ResolveGeometry(ctx, blob)
		if err != nil {
			// The failed parse aborts the open transaction window.
			d := skip(fmt.Sprintf("skipped (geometry in column %q is invalid)", m.mapping.Geometry))
			d.Rollback = true
			return d, nil
		}
		res.GeomType = geomType
		res.Point = center
		res.GeoJSON = sql.NullString{String: blob, Valid: true}
	} else if m.mapping.Latitude != "" && m.mapping.Longitude != "" &&
		row.Has(m.mapping.Latitude) && row.Has(m.mapping.Longitude) {
		lat, latErr := row.Float(m.mapping.Latitude)
		lon, lonErr := row.Float(m.mapping.Longitude)
		if latErr != nil || lonErr != nil {
			return skip("skipped (latitude or longitude is invalid)"), nil
		}
		res.GeomType = "ST_Point"
		res.Point = Point{Lat: round6(lat), Lon: round6(lon)}
	} else {
		return skip(fmt.Sprintf(
			"skipped (missing at least one required field: latitude (%q) + longitude (%q) or geometry (%q))",
			m.mapping.Latitude, m.mapping.Longitude, m.mapping.Geometry)), nil
	}

	// Address extraction, building-based service types only.
	var address string
	hasAddress := false
	if m.st.IsBuilding && m.mapping.Address != "" && row.Has(m.mapping.Address) {
		raw := row.String(m.mapping.Address)
		matched := false
		for _, prefix := range m.prefixes {
			if strings.HasPrefix(raw, prefix) {
				address = strings.Trim(raw[len(prefix):], ", ")
				hasAddress = true
				matched = true
				break
			}
		}
		if !matched {
			if len(m.prefixes) == 1 {
				return skip(fmt.Sprintf("skipped (address does not start with %q)", m.prefixes[0])), nil
			}
			return skip(fmt.Sprintf("skipped (address does not start with any of %d prefixes)", len(m.prefixes))), nil
		}
	}
	if hasAddress {
		res.Address = sql.NullString{String: address, Valid: true}
	}

	res.Name = m.resolveName(row)

	// Municipality and administrative unit narrow the geometry lookups and
	// are stored on newly created physical objects.
	var err error
	if res.MunicipalityID, err = m.store.MunicipalityAt(ctx, res.Point); err != nil {
		return Disposition{}, fmt.Errorf("municipality lookup: %w", err)
	}
	if res.AdminUnitID, err = m.store.AdministrativeUnitAt(ctx, res.Point); err != nil {
		return Disposition{}, fmt.Errorf("administrative unit lookup: %w", err)
	}

	if m.st.IsBuilding {
		return m.classifyBuilding(ctx, row, res, address, hasAddress)
	}
	return m.classifyPlain(ctx, res)
}

// classifyBuilding resolves the container for building-based service types.
// An address match is stronger evidence than spatial containment, so it is
// checked first.
func (m *Matcher) classifyBuilding(ctx context.Context, row table.Row, res Resolution, address string, hasAddress bool) (Disposition, error) {
	if hasAddress && address != "" {
		am, err := m.store.FindBuildingByAddress(ctx, m.cityID, address, res.Point)
		if err != nil {
			return Disposition{}, fmt.Errorf("building lookup by address: %w", err)
		}
		if am != nil {
			res.FoundBy = FoundByAddress
			res.PhysID = am.PhysID
			res.BuildingID = sql.NullInt64{Int64: am.BuildingID, Valid: true}
			return m.dedup(ctx, res)
		}
	}

	gm, err := m.store.FindContainerByGeometry(ctx, GeomQuery{
		CityID:          m.cityID,
		MunicipalityID:  res.MunicipalityID,
		AdminUnitID:     res.AdminUnitID,
		GeoJSON:         res.GeoJSON,
		Point:           res.Point,
		RequireBuilding: true,
	})
	if err != nil {
		return Disposition{}, fmt.Errorf("building lookup by geometry: %w", err)
	}
	if gm != nil {
		res.FoundBy = FoundByGeometry
		res.PhysID = gm.PhysID
		res.BuildingID = gm.BuildingID
		res.MatchedAddress = gm.Address
		res.UpgradeGeometry = gm.GeomType == "ST_Point" && res.GeomType != "ST_Point"
		return m.dedup(ctx, res)
	}

	res.FoundBy = FoundNone
	return Disposition{Kind: InsertNew, Resolution: res}, nil
}

// classifyPlain resolves the container for service types without buildings.
func (m *Matcher) classifyPlain(ctx context.Context, res Resolution) (Disposition, error) {
	gm, err := m.store.FindContainerByGeometry(ctx, GeomQuery{
		CityID:         m.cityID,
		MunicipalityID: res.MunicipalityID,
		AdminUnitID:    res.AdminUnitID,
		GeoJSON:        res.GeoJSON,
		Point:          res.Point,
	})
	if err != nil {
		return Disposition{}, fmt.Errorf("physical object lookup by geometry: %w", err)
	}
	if gm != nil {
		res.FoundBy = FoundByGeometry
		res.PhysID = gm.PhysID
		res.UpgradeGeometry = gm.GeomType == "ST_Point" && res.GeomType != "ST_Point"
		return m.dedup(ctx, res)
	}

	res.FoundBy = FoundNone
	return Disposition{Kind: InsertNew, Resolution: res}, nil
}

// dedup checks whether a service with the same type and name already sits on
// the resolved physical object. The (physical object, service type, name)
// triple is the de-duplication key.
func (m *Matcher) dedup(ctx context.Context, res Resolution) (Disposition, error) {
	id, found, err := m.store.FindFunctional(ctx, res.PhysID, m.st.ID, res.Name)
	if err != nil {
		return Disposition{}, fmt.Errorf("functional object lookup: %w", err)
	}
	if found {
		return Disposition{Kind: UpdateExisting, FunctionalID: id, Resolution: res}, nil
	}
	return Disposition{Kind: InsertNew, Resolution: res}, nil
}

// resolveName returns the mapped name or the synthesized placeholder.
func (m *Matcher) resolveName(row table.Row) string {
	if m.mapping.Name != "" {
		if name := row.String(m.mapping.Name); name != "" {
			return name
		}
	}
	return fmt.Sprintf("(%s without a name)", m.st.Name)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
