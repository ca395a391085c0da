package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/citydb-services/internal/table"
)

func servicesTable(rows ...table.Row) *table.Table {
	tbl := &table.Table{}
	for _, row := range rows {
		tbl.Append(row)
	}
	return tbl
}

func testBatch(f *fakeStore, opts Options) *Batch {
	return NewBatch(f, zap.NewNop().Sugar(), opts)
}

func parkOptions() Options {
	return Options{
		CityName:    "Санкт-Петербург",
		ServiceType: "park",
		Mapping:     NewMapping(Mapping{Name: "Name", Latitude: "x", Longitude: "y"}),
		Commit:      true,
	}
}

func schoolOptions() Options {
	return Options{
		CityName:        "Санкт-Петербург",
		ServiceType:     "school",
		Mapping:         NewMapping(Mapping{Name: "Name", Address: "addr", Latitude: "x", Longitude: "y"}),
		AddressPrefixes: []string{"Россия, Санкт-Петербург"},
		Commit:          true,
	}
}

func TestRunInsertsNewPoint(t *testing.T) {
	f := newFakeStore()
	tbl := servicesTable(table.Row{"Name": "Летний сад", "x": "59.945", "y": "30.335"})

	report, err := testBatch(f, parkOptions()).Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.AddedAsPoint)
	assert.Contains(t, report.Table.Rows[0].String(ResultColumn), "new physical object")
	id, ok := report.Table.Rows[0].Value(IDColumn).(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, id, int64(0))
	assert.Equal(t, 1, f.commits, "commit mode ends with a final commit")
}

func TestRunAddressMatchThenUpdate(t *testing.T) {
	f := newFakeStore()
	phys := f.addPhysical(1, Point{Lat: 59.9353, Lon: 30.3251}, "ST_Point")
	f.addBuilding(phys.id, "Невский пр-кт, 1")

	row := table.Row{
		"Name": "Школа 1",
		"addr": "Россия, Санкт-Петербург, Невский пр-кт, 1",
		"x":    "59.9353", "y": "30.3251",
	}

	first, err := testBatch(f, schoolOptions()).Run(context.Background(), servicesTable(row))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Stats.AddedByAddress)
	assert.Contains(t, first.Table.Rows[0].String(ResultColumn), "matched by address")
	firstID := first.Table.Rows[0].Value(IDColumn).(int64)
	assert.GreaterOrEqual(t, firstID, int64(0))

	// Re-running the identical row must update, never duplicate.
	second, err := testBatch(f, schoolOptions()).Run(context.Background(), servicesTable(row))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Stats.Updated)
	assert.Equal(t, 0, second.Stats.Added())
	assert.Contains(t, second.Table.Rows[0].String(ResultColumn), "updated existing service")
	assert.Equal(t, firstID, second.Table.Rows[0].Value(IDColumn).(int64))
	assert.Len(t, f.functionals, 1)
}

func TestRunUnmatchedPrefixIsSkipped(t *testing.T) {
	f := newFakeStore()
	tbl := servicesTable(table.Row{
		"Name": "Школа 2",
		"addr": "Москва, Тверская, 1",
		"x":    "55.76", "y": "37.61",
	})

	report, err := testBatch(f, schoolOptions()).Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.Skipped)
	assert.Contains(t, report.Table.Rows[0].String(ResultColumn), "Россия, Санкт-Петербург")
	assert.Equal(t, int64(-1), report.Table.Rows[0].Value(IDColumn).(int64))
}

func TestRunUnknownCityShortCircuits(t *testing.T) {
	f := newFakeStore()
	tbl := servicesTable(
		table.Row{"Name": "a", "x": "59.9", "y": "30.3"},
		table.Row{"Name": "b", "x": "59.9", "y": "30.3"},
	)

	opts := parkOptions()
	opts.CityName = "Атлантида"
	report, err := testBatch(f, opts).Run(context.Background(), tbl)
	require.NoError(t, err)

	for _, row := range report.Table.Rows {
		assert.Contains(t, row.String(ResultColumn), "Атлантида")
		assert.Equal(t, int64(-1), row.Value(IDColumn).(int64))
	}
	assert.Empty(t, f.functionals, "no rows may be processed")
}

func TestRunUnknownServiceTypeShortCircuits(t *testing.T) {
	f := newFakeStore()
	tbl := servicesTable(table.Row{"Name": "a", "x": "59.9", "y": "30.3"})

	opts := parkOptions()
	opts.ServiceType = "unheard-of"
	report, err := testBatch(f, opts).Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Contains(t, report.Table.Rows[0].String(ResultColumn), "unheard-of")
}

func TestRunRowErrorIsIsolated(t *testing.T) {
	f := newFakeStore()
	f.onInsertFunctional = func(obj NewFunctional) error {
		if obj.Name == "сломанный" {
			return fmt.Errorf("constraint violation")
		}
		return nil
	}
	tbl := servicesTable(
		table.Row{"Name": "первый", "x": "59.90", "y": "30.30"},
		table.Row{"Name": "сломанный", "x": "59.91", "y": "30.31"},
		table.Row{"Name": "третий", "x": "59.92", "y": "30.32"},
	)

	report, err := testBatch(f, parkOptions()).Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Stats.AddedAsPoint)
	assert.Equal(t, 1, report.Stats.Skipped)
	assert.Contains(t, report.Table.Rows[1].String(ResultColumn), "raises error")
	assert.Equal(t, int64(-1), report.Table.Rows[1].Value(IDColumn).(int64))
	assert.Equal(t, 1, f.rollbacks, "only the failing row is rolled back")
}

func TestRunCheckpointCadence(t *testing.T) {
	f := newFakeStore()
	var rows []table.Row
	for i := 0; i < 5; i++ {
		rows = append(rows, table.Row{"Name": fmt.Sprintf("парк %d", i), "x": fmt.Sprintf("59.9%d", i), "y": "30.3"})
	}

	opts := parkOptions()
	opts.LogEvery = 2
	report, err := testBatch(f, opts).Run(context.Background(), servicesTable(rows...))
	require.NoError(t, err)

	assert.Equal(t, 5, report.Stats.AddedAsPoint)
	// Rows 0, 2 and 4 open checkpoint windows.
	assert.Equal(t, 3, f.checkpoints)
	assert.Equal(t, 1, f.commits)
}

func TestRunCancellation(t *testing.T) {
	f := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	f.onInsertFunctional = func(obj NewFunctional) error {
		if obj.Name == "второй" {
			cancel() // a mid-row interrupt lets the row finish atomically
		}
		return nil
	}
	tbl := servicesTable(
		table.Row{"Name": "первый", "x": "59.90", "y": "30.30"},
		table.Row{"Name": "второй", "x": "59.91", "y": "30.31"},
		table.Row{"Name": "третий", "x": "59.92", "y": "30.32"},
	)

	opts := parkOptions()
	kept := false
	opts.KeepOnCancel = func(Stats) bool { kept = true; return true }
	report, err := testBatch(f, opts).Run(ctx, tbl)
	require.NoError(t, err)

	assert.True(t, kept, "commit mode asks the caller to keep or discard")
	assert.Equal(t, 2, report.Stats.AddedAsPoint, "the in-flight row finishes")
	assert.Contains(t, report.Table.Rows[2].String(ResultColumn), "cancelled by user")
	assert.Equal(t, int64(-1), report.Table.Rows[2].Value(IDColumn).(int64))
	assert.Equal(t, 1, f.commits, "kept work is committed")
}

func TestRunCancellationDiscard(t *testing.T) {
	f := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tbl := servicesTable(table.Row{"Name": "первый", "x": "59.90", "y": "30.30"})

	report, err := testBatch(f, parkOptions()).Run(ctx, tbl)
	require.NoError(t, err)

	assert.Contains(t, report.Table.Rows[0].String(ResultColumn), "cancelled by user")
	assert.Equal(t, 1, f.restarts, "work in progress is discarded without a keep decision")
	assert.Equal(t, 0, f.commits)
}

func TestRunDryRunDoesNotCommit(t *testing.T) {
	f := newFakeStore()
	tbl := servicesTable(table.Row{"Name": "парк", "x": "59.9", "y": "30.3"})

	opts := parkOptions()
	opts.Commit = false
	report, err := testBatch(f, opts).Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.AddedAsPoint)
	assert.Equal(t, 0, f.commits)
	assert.Equal(t, 0, f.checkpoints)
	assert.Equal(t, 0, f.savepoints)
}

func TestPreviewClassifiesWithoutWrites(t *testing.T) {
	f := newFakeStore()
	phys := f.addPhysical(1, Point{Lat: 59.9353, Lon: 30.3251}, "ST_Point")
	f.addBuilding(phys.id, "Невский пр-кт, 1")

	tbl := servicesTable(
		table.Row{"Name": "Школа 1", "addr": "Россия, Санкт-Петербург, Невский пр-кт, 1", "x": "59.9353", "y": "30.3251"},
		table.Row{"Name": "Школа 2", "addr": "Москва, Тверская, 1", "x": "55.76", "y": "37.61"},
		table.Row{"Name": "Школа 3", "addr": "Россия, Санкт-Петербург, Литейный пр-кт, 5", "x": "59.94", "y": "30.35"},
	)

	previews, err := testBatch(f, schoolOptions()).Preview(context.Background(), tbl)
	require.NoError(t, err)

	require.Len(t, previews, 3)
	assert.Equal(t, PreviewByAddress, previews[0].Kind)
	assert.Equal(t, PreviewSkip, previews[1].Kind)
	assert.Equal(t, PreviewNew, previews[2].Kind)
	assert.Empty(t, f.functionals, "preview must not write")
	assert.Empty(t, f.physicals[1:], "preview must not create containers")
}
