package ingest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schoolExecutor(f *fakeStore, mapping Mapping, properties map[string]string, newPrefix string) *Executor {
	st := f.serviceTypes["school"]
	return NewExecutor(f, st, f.chains[st.ID], 1, NewMapping(mapping), properties, newPrefix)
}

func TestInsertRandomCapacity(t *testing.T) {
	f := newFakeStore()
	e := schoolExecutor(f, Mapping{Name: "Name"}, nil, "")
	res := &Resolution{Name: "Школа", Point: Point{Lat: 59.9, Lon: 30.3}, GeomType: "ST_Point"}

	id, err := e.Insert(context.Background(), map[string]any{"Name": "Школа"}, res)
	require.NoError(t, err)

	state, err := f.Functional(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, state.IsCapacityReal)
	assert.GreaterOrEqual(t, state.Capacity, 100)
	assert.LessOrEqual(t, state.Capacity, 500)
}

func TestInsertRealCapacity(t *testing.T) {
	f := newFakeStore()
	e := schoolExecutor(f, Mapping{Name: "Name", Capacity: "cap"}, nil, "")
	res := &Resolution{Name: "Школа", Point: Point{Lat: 59.9, Lon: 30.3}, GeomType: "ST_Point"}

	id, err := e.Insert(context.Background(), map[string]any{"Name": "Школа", "cap": "750.0"}, res)
	require.NoError(t, err)

	state, err := f.Functional(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, state.IsCapacityReal)
	assert.Equal(t, 750, state.Capacity)
}

func TestInsertCreatesContainerWithPrefixedAddress(t *testing.T) {
	f := newFakeStore()
	e := schoolExecutor(f, Mapping{Name: "Name"}, nil, "Россия, Санкт-Петербург, ")
	res := &Resolution{
		Name:     "Школа",
		Point:    Point{Lat: 59.9, Lon: 30.3},
		GeomType: "ST_Point",
		Address:  sql.NullString{String: "Невский пр-кт, 1", Valid: true},
	}

	_, err := e.Insert(context.Background(), map[string]any{"Name": "Школа"}, res)
	require.NoError(t, err)

	require.True(t, res.BuildingID.Valid, "building service types get a building container")
	build := f.buildingOf(res.PhysID)
	require.NotNil(t, build)
	assert.Equal(t, "Россия, Санкт-Петербург, Невский пр-кт, 1", build.address.String)
}

func TestInsertBuildsPropertiesDocument(t *testing.T) {
	f := newFakeStore()
	e := schoolExecutor(f, Mapping{Name: "Name"}, map[string]string{"floors": "Этажность", "year": "Год"}, "")
	res := &Resolution{Name: "Школа", Point: Point{Lat: 59.9, Lon: 30.3}, GeomType: "ST_Point"}

	id, err := e.Insert(context.Background(), map[string]any{"Name": "Школа", "Этажность": "3", "Год": ""}, res)
	require.NoError(t, err)

	state, err := f.Functional(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"floors": "3"}, state.Properties, "empty cells stay out of the document")
}

func TestUpdateDifferential(t *testing.T) {
	f := newFakeStore()
	id, err := f.InsertFunctional(context.Background(), NewFunctional{
		Name:          "Школа",
		Phone:         sql.NullString{String: "+7 812 000-00-00", Valid: true},
		ServiceTypeID: 10, PhysicalObjectID: 1,
		Capacity: 300, IsCapacityReal: true,
	})
	require.NoError(t, err)

	e := schoolExecutor(f, Mapping{Name: "Name", Phone: "phone", Website: "site"}, nil, "")
	err = e.Update(context.Background(), map[string]any{
		"Name":  "Школа",
		"phone": "+7 812 000-00-00", // unchanged, must not be written
		"site":  "https://school.example",
	}, id, "Школа")
	require.NoError(t, err)

	state, err := f.Functional(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "https://school.example", state.Website.String)
	assert.Equal(t, "+7 812 000-00-00", state.Phone.String)
}

func TestUpdateNeverOverwritesRealCapacity(t *testing.T) {
	f := newFakeStore()
	id, err := f.InsertFunctional(context.Background(), NewFunctional{
		Name: "Школа", ServiceTypeID: 10, PhysicalObjectID: 1,
		Capacity: 420, IsCapacityReal: true,
	})
	require.NoError(t, err)

	// Mapping without a capacity column: the row supplies no capacity.
	e := schoolExecutor(f, Mapping{Name: "Name"}, nil, "")
	require.NoError(t, e.Update(context.Background(), map[string]any{"Name": "Школа"}, id, "Школа"))

	state, err := f.Functional(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 420, state.Capacity)
	assert.True(t, state.IsCapacityReal)
}

func TestUpdateMarksSuppliedCapacityReal(t *testing.T) {
	f := newFakeStore()
	id, err := f.InsertFunctional(context.Background(), NewFunctional{
		Name: "Школа", ServiceTypeID: 10, PhysicalObjectID: 1,
		Capacity: 217, IsCapacityReal: false,
	})
	require.NoError(t, err)

	e := schoolExecutor(f, Mapping{Name: "Name", Capacity: "cap"}, nil, "")
	require.NoError(t, e.Update(context.Background(), map[string]any{"Name": "Школа", "cap": "300"}, id, "Школа"))

	state, err := f.Functional(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 300, state.Capacity)
	assert.True(t, state.IsCapacityReal)
}

func TestUpdateMergesProperties(t *testing.T) {
	f := newFakeStore()
	id, err := f.InsertFunctional(context.Background(), NewFunctional{
		Name: "Школа", ServiceTypeID: 10, PhysicalObjectID: 1,
		Properties: map[string]any{"floors": "2", "year": "1980"},
	})
	require.NoError(t, err)

	e := schoolExecutor(f, Mapping{Name: "Name"}, map[string]string{"floors": "Этажность"}, "")
	require.NoError(t, e.Update(context.Background(), map[string]any{"Name": "Школа", "Этажность": "3"}, id, "Школа"))

	state, err := f.Functional(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "3", state.Properties["floors"], "keys are shallow-overwritten")
	assert.Equal(t, "1980", state.Properties["year"], "untouched keys survive the merge")
}
