package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/citydb-services/internal/table"
)

// ResultColumn and IDColumn are the two columns appended to the input table.
const (
	ResultColumn = "result"
	IDColumn     = "functional_obj_id"
)

// DefaultCheckpointInterval is the number of rows between progress logs and,
// in commit mode, transaction checkpoints.
const DefaultCheckpointInterval = 200

// DefaultAddressPrefix is used when the caller configures no prefixes.
const DefaultAddressPrefix = "Россия, Санкт-Петербург"

// Options configures one batch invocation. Its lifetime is exactly one call
// to Run.
type Options struct {
	CityName        string
	ServiceType     string            // name or code
	Mapping         Mapping
	Properties      map[string]string // document key -> input column
	AddressPrefixes []string
	NewPrefix       string // prepended to stripped addresses of new buildings
	Commit          bool
	Verbose         bool
	LogEvery        int
	// KeepOnCancel decides whether work in progress is kept when the batch
	// is cancelled in commit mode. Nil means discard.
	KeepOnCancel func(stats Stats) bool
}

// Stats are the batch outcome counters.
type Stats struct {
	AddedAsPoint    int
	AddedByAddress  int
	AddedByGeometry int
	Updated         int
	Skipped         int
}

// Added returns the total number of inserted services.
func (s Stats) Added() int {
	return s.AddedAsPoint + s.AddedByAddress + s.AddedByGeometry
}

// Report is the batch result: the input table augmented with outcome columns
// plus the counters.
type Report struct {
	Table *table.Table
	Stats Stats
}

// Batch drives the matcher and executor across a whole input table under the
// savepoint discipline. It exclusively owns the store's session for the
// duration of Run.
type Batch struct {
	store Store
	log   *zap.SugaredLogger
	opts  Options
}

// NewBatch creates a batch orchestrator. Empty prefix lists fall back to the
// default prefix; a non-positive LogEvery falls back to the default interval.
func NewBatch(store Store, log *zap.SugaredLogger, opts Options) *Batch {
	if len(opts.AddressPrefixes) == 0 {
		opts.AddressPrefixes = []string{DefaultAddressPrefix}
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = DefaultCheckpointInterval
	}
	return &Batch{store: store, log: log, opts: opts}
}

// Run processes every row of the input table in order and returns the
// augmented table with counters. Only fatal infrastructure failures are
// returned as errors; unresolvable city/service type short-circuit into
// per-row messages, and row-local problems become skip outcomes.
func (b *Batch) Run(ctx context.Context, tbl *table.Table) (*Report, error) {
	total := tbl.Len()
	b.log.Infof("inserting services of type %q, %d objects total", b.opts.ServiceType, total)
	b.log.Infof("target city %q, address prefixes %v, new prefix %q",
		b.opts.CityName, b.opts.AddressPrefixes, b.opts.NewPrefix)

	b.cleanAddresses(tbl)

	results := make([]any, total)
	ids := make([]any, total)
	for i := range ids {
		ids[i] = int64(-1)
	}
	stats := Stats{}

	finish := func() (*Report, error) {
		if err := tbl.AddColumn(ResultColumn, results); err != nil {
			return nil, err
		}
		if err := tbl.AddColumn(IDColumn, ids); err != nil {
			return nil, err
		}
		return &Report{Table: tbl, Stats: stats}, nil
	}
	fatal := func(message string) (*Report, error) {
		b.log.Error(message)
		for i := range results {
			results[i] = message
		}
		return finish()
	}

	cityID, err := b.store.CityID(ctx, b.opts.CityName)
	if errors.Is(err, ErrCityNotFound) {
		return fatal(fmt.Sprintf("city %q is not found in the database", b.opts.CityName))
	}
	if err != nil {
		return nil, fmt.Errorf("city lookup: %w", err)
	}

	st, err := b.store.ServiceType(ctx, b.opts.ServiceType)
	if errors.Is(err, ErrServiceTypeNotFound) {
		return fatal(fmt.Sprintf("service type %q is not found in the database", b.opts.ServiceType))
	}
	if err != nil {
		return nil, fmt.Errorf("service type lookup: %w", err)
	}

	chain, err := b.store.TypeChain(ctx, st.ID)
	if errors.Is(err, ErrTypeChain) {
		return fatal(fmt.Sprintf("service type %q is not linked to a city function and infrastructure type", b.opts.ServiceType))
	}
	if err != nil {
		return nil, fmt.Errorf("type chain lookup: %w", err)
	}

	matcher := NewMatcher(b.store, st, cityID, b.opts.Mapping, b.opts.AddressPrefixes)
	executor := NewExecutor(b.store, st, chain, cityID, b.opts.Mapping, b.opts.Properties, b.opts.NewPrefix)

	if b.opts.Commit {
		if err := b.store.Savepoint(ctx); err != nil {
			return nil, err
		}
	}

	cancelledAt := -1
	for i, row := range tbl.Rows {
		// Cancellation is cooperative and checked only here, so a row in
		// flight always finishes or fails atomically.
		select {
		case <-ctx.Done():
			cancelledAt = i
		default:
		}
		if cancelledAt >= 0 {
			break
		}

		if i%b.opts.LogEvery == 0 {
			b.log.Debugf("processed %4d services of %d: %d added, %d updated, %d skipped",
				i, total, stats.Added(), stats.Updated, stats.Skipped)
			if b.opts.Commit {
				if err := b.store.Checkpoint(ctx); err != nil {
					return nil, err
				}
			}
		}

		outcome, id, rowErr := b.processRow(ctx, row, matcher, executor, &stats)
		if rowErr != nil {
			b.log.Errorf("row %d raises error: %v", i, rowErr)
			if err := b.rollbackRow(ctx); err != nil {
				return nil, err
			}
			results[i] = fmt.Sprintf("skipped, raises error: %v", rowErr)
			stats.Skipped++
			continue
		}
		results[i] = outcome
		ids[i] = id
	}

	if cancelledAt >= 0 {
		b.log.Warnf("processing was interrupted by the user after %d of %d services", cancelledAt, total)
		if b.opts.Commit {
			if b.opts.KeepOnCancel != nil && b.opts.KeepOnCancel(stats) {
				b.log.Info("keeping the changes made so far")
				if err := b.store.Commit(ctx); err != nil {
					return nil, err
				}
			} else {
				b.log.Warn("discarding the changes made so far")
				if err := b.store.Restart(ctx); err != nil {
					return nil, err
				}
			}
		}
		for j := cancelledAt; j < total; j++ {
			results[j] = "skipped (cancelled by user)"
		}
	} else if b.opts.Commit {
		if err := b.store.Commit(ctx); err != nil {
			return nil, err
		}
	}

	b.log.Infof("insertion of services of type %q is finished", b.opts.ServiceType)
	b.log.Infof("%d services processed: %d added, %d updated, %d skipped",
		total, stats.Added(), stats.Updated, stats.Skipped)
	b.log.Infof("%d services were added as new physical objects/buildings, %d added by address match, %d added by geometry match",
		stats.AddedAsPoint, stats.AddedByAddress, stats.AddedByGeometry)
	return finish()
}

// processRow classifies one row and applies the resulting writes. Returned
// errors are row-local.
func (b *Batch) processRow(ctx context.Context, row table.Row, matcher *Matcher, executor *Executor, stats *Stats) (string, int64, error) {
	d, err := matcher.Classify(ctx, row)
	if err != nil {
		return "", -1, err
	}

	switch d.Kind {
	case SkipRow:
		if d.Rollback {
			if err := b.rollbackRow(ctx); err != nil {
				return "", -1, err
			}
		}
		stats.Skipped++
		return d.Reason, -1, nil

	case UpdateExisting:
		if err := executor.Update(ctx, row, d.FunctionalID, d.Resolution.Name); err != nil {
			return "", -1, err
		}
		if err := b.resavepoint(ctx); err != nil {
			return "", -1, err
		}
		stats.Updated++
		return updateMessage(d), d.FunctionalID, nil

	case InsertNew:
		id, err := executor.Insert(ctx, row, &d.Resolution)
		if err != nil {
			return "", -1, err
		}
		if err := b.resavepoint(ctx); err != nil {
			return "", -1, err
		}
		switch d.Resolution.FoundBy {
		case FoundByAddress:
			stats.AddedByAddress++
		case FoundByGeometry:
			stats.AddedByGeometry++
		default:
			stats.AddedAsPoint++
		}
		return insertMessage(d), id, nil
	}
	return "", -1, fmt.Errorf("unknown disposition %d", d.Kind)
}

// resavepoint re-establishes the rollback point after a successful write, so
// a later row failure loses only that row.
func (b *Batch) resavepoint(ctx context.Context) error {
	if !b.opts.Commit {
		return nil
	}
	return b.store.Savepoint(ctx)
}

// rollbackRow undoes the current row: back to the savepoint in commit mode,
// a full transaction restart in dry-run mode where nothing persists anyway.
func (b *Batch) rollbackRow(ctx context.Context) error {
	if b.opts.Commit {
		return b.store.RollbackToSavepoint(ctx)
	}
	return b.store.Restart(ctx)
}

// cleanAddresses strips stray question marks and whitespace from the address
// column before processing, the way upstream exports tend to need.
func (b *Batch) cleanAddresses(tbl *table.Table) {
	column := b.opts.Mapping.Address
	if column == "" || !tbl.HasColumn(column) {
		return
	}
	for _, row := range tbl.Rows {
		if row.Has(column) {
			row[column] = strings.TrimSpace(strings.ReplaceAll(row.String(column), "?", ""))
		}
	}
}

func updateMessage(d Disposition) string {
	res := d.Resolution
	switch {
	case res.FoundBy == FoundByAddress:
		return fmt.Sprintf("updated existing service (build_id = %d, phys_id = %d, functional_object_id = %d)",
			res.BuildingID.Int64, res.PhysID, d.FunctionalID)
	case res.BuildingID.Valid && res.MatchedAddress.Valid:
		return fmt.Sprintf("updated existing service in a building with different address %q (build_id = %d, phys_id = %d, functional_object_id = %d)",
			res.MatchedAddress.String, res.BuildingID.Int64, res.PhysID, d.FunctionalID)
	case res.BuildingID.Valid:
		return fmt.Sprintf("updated existing service in a building without address (build_id = %d, phys_id = %d, functional_object_id = %d)",
			res.BuildingID.Int64, res.PhysID, d.FunctionalID)
	default:
		return fmt.Sprintf("updated existing service without building (phys_id = %d, functional_object_id = %d)",
			res.PhysID, d.FunctionalID)
	}
}

func insertMessage(d Disposition) string {
	res := d.Resolution
	upgraded := ""
	if res.UpgradeGeometry && res.GeoJSON.Valid {
		upgraded = ". geometry upgraded from point"
	}
	switch res.FoundBy {
	case FoundByAddress:
		return fmt.Sprintf("service inserted into building matched by address (build_id = %d, phys_id = %d)",
			res.BuildingID.Int64, res.PhysID)
	case FoundByGeometry:
		if res.BuildingID.Valid {
			if res.MatchedAddress.Valid {
				return fmt.Sprintf("service inserted into building matched by geometry with different address %q (build_id = %d, phys_id = %d)%s",
					res.MatchedAddress.String, res.BuildingID.Int64, res.PhysID, upgraded)
			}
			return fmt.Sprintf("service inserted into building matched by geometry without address (build_id = %d, phys_id = %d)%s",
				res.BuildingID.Int64, res.PhysID, upgraded)
		}
		return fmt.Sprintf("service inserted into physical object matched by geometry (phys_id = %d)%s",
			res.PhysID, upgraded)
	default:
		if res.BuildingID.Valid {
			if res.Address.Valid {
				return fmt.Sprintf("service inserted into a new building (build_id = %d, phys_id = %d)",
					res.BuildingID.Int64, res.PhysID)
			}
			return fmt.Sprintf("service inserted into a new building without address (build_id = %d, phys_id = %d)",
				res.BuildingID.Int64, res.PhysID)
		}
		if res.GeomType != "ST_Point" {
			return fmt.Sprintf("service inserted into a new physical object with given geometry (phys_id = %d)", res.PhysID)
		}
		return fmt.Sprintf("service inserted into a new physical object with point geometry (phys_id = %d)", res.PhysID)
	}
}
