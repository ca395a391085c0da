package ingest

// Mapping associates the canonical service fields with the caller's column
// names. An empty string means the field is absent from the input.
type Mapping struct {
	Name         string
	OpeningHours string
	Website      string
	Phone        string
	Address      string
	Capacity     string
	ExternalID   string
	Latitude     string
	Longitude    string
	Geometry     string
}

// NewMapping normalizes the unset sentinels ("" and "-") to absent and
// returns the mapping by value, so callers cannot mutate it afterwards.
func NewMapping(m Mapping) Mapping {
	fix := func(s string) string {
		if s == "-" {
			return ""
		}
		return s
	}
	return Mapping{
		Name:         fix(m.Name),
		OpeningHours: fix(m.OpeningHours),
		Website:      fix(m.Website),
		Phone:        fix(m.Phone),
		Address:      fix(m.Address),
		Capacity:     fix(m.Capacity),
		ExternalID:   fix(m.ExternalID),
		Latitude:     fix(m.Latitude),
		Longitude:    fix(m.Longitude),
		Geometry:     fix(m.Geometry),
	}
}

// DefaultMapping returns the column names most source schemas use.
func DefaultMapping() Mapping {
	return Mapping{
		Name:         "Name",
		OpeningHours: "opening_hours",
		Website:      "contact:website",
		Phone:        "contact:phone",
		Address:      "yand_adr",
		ExternalID:   "id",
		Latitude:     "x",
		Longitude:    "y",
		Geometry:     "geometry",
	}
}

// GeometryUsable reports whether rows can carry a location at all: either a
// geometry blob column or both coordinate columns must be mapped.
func (m Mapping) GeometryUsable() bool {
	return m.Geometry != "" || (m.Latitude != "" && m.Longitude != "")
}

// Columns lists the mapped field/column pairs, for missing-column warnings.
func (m Mapping) Columns() map[string]string {
	all := map[string]string{
		"name":          m.Name,
		"opening_hours": m.OpeningHours,
		"website":       m.Website,
		"phone":         m.Phone,
		"address":       m.Address,
		"capacity":      m.Capacity,
		"external_id":   m.ExternalID,
		"latitude":      m.Latitude,
		"longitude":     m.Longitude,
		"geometry":      m.Geometry,
	}
	for field, column := range all {
		if column == "" {
			delete(all, field)
		}
	}
	return all
}
