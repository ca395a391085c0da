package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMappingNormalizesUnsetSentinels(t *testing.T) {
	m := NewMapping(Mapping{
		Name:     "title",
		Address:  "-",
		Capacity: "",
		Latitude: "lat",
	})

	assert.Equal(t, "title", m.Name)
	assert.Equal(t, "", m.Address, `"-" means unset`)
	assert.Equal(t, "", m.Capacity)
	assert.Equal(t, "lat", m.Latitude)
}

func TestDefaultMapping(t *testing.T) {
	m := DefaultMapping()

	assert.Equal(t, "Name", m.Name)
	assert.Equal(t, "x", m.Latitude)
	assert.Equal(t, "y", m.Longitude)
	assert.Equal(t, "geometry", m.Geometry)
	assert.Equal(t, "", m.Capacity)
}

func TestGeometryUsable(t *testing.T) {
	assert.True(t, Mapping{Geometry: "geom"}.GeometryUsable())
	assert.True(t, Mapping{Latitude: "x", Longitude: "y"}.GeometryUsable())
	assert.False(t, Mapping{Latitude: "x"}.GeometryUsable())
	assert.False(t, Mapping{}.GeometryUsable())
}

func TestMappingColumns(t *testing.T) {
	columns := NewMapping(Mapping{Name: "Name", Address: "-"}).Columns()

	assert.Equal(t, map[string]string{"name": "Name"}, columns)
}
