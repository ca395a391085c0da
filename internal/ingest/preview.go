package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/citydb-services/internal/table"
)

// Classification tags used by the dry-run preview. Interactive callers use
// them to color-code rows before committing anything.
const (
	PreviewSkip       = "skip"
	PreviewUpdate     = "update"
	PreviewByAddress  = "insert-by-address"
	PreviewByGeometry = "insert-by-geometry"
	PreviewNew        = "insert-new"
	PreviewError      = "error"
)

// RowPreview is the classification of one row without any writes.
type RowPreview struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Preview classifies every row of the table without writing anything. City
// and service type resolution failures are returned as errors since there is
// nothing meaningful to classify against.
func (b *Batch) Preview(ctx context.Context, tbl *table.Table) ([]RowPreview, error) {
	cityID, err := b.store.CityID(ctx, b.opts.CityName)
	if errors.Is(err, ErrCityNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrCityNotFound, b.opts.CityName)
	}
	if err != nil {
		return nil, fmt.Errorf("city lookup: %w", err)
	}
	st, err := b.store.ServiceType(ctx, b.opts.ServiceType)
	if errors.Is(err, ErrServiceTypeNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrServiceTypeNotFound, b.opts.ServiceType)
	}
	if err != nil {
		return nil, fmt.Errorf("service type lookup: %w", err)
	}

	matcher := NewMatcher(b.store, st, cityID, b.opts.Mapping, b.opts.AddressPrefixes)
	b.cleanAddresses(tbl)

	previews := make([]RowPreview, 0, tbl.Len())
	for i, row := range tbl.Rows {
		if err := ctx.Err(); err != nil {
			return previews, err
		}
		d, err := matcher.Classify(ctx, row)
		if err != nil {
			previews = append(previews, RowPreview{Index: i, Kind: PreviewError, Detail: err.Error()})
			// A failed lookup aborts the transaction window.
			if rbErr := b.store.Restart(ctx); rbErr != nil {
				return previews, rbErr
			}
			continue
		}
		preview := RowPreview{Index: i}
		switch d.Kind {
		case SkipRow:
			preview.Kind = PreviewSkip
			preview.Detail = d.Reason
			if d.Rollback {
				if rbErr := b.store.Restart(ctx); rbErr != nil {
					return previews, rbErr
				}
			}
		case UpdateExisting:
			preview.Kind = PreviewUpdate
			preview.Detail = fmt.Sprintf("functional_object_id = %d", d.FunctionalID)
		case InsertNew:
			switch d.Resolution.FoundBy {
			case FoundByAddress:
				preview.Kind = PreviewByAddress
			case FoundByGeometry:
				preview.Kind = PreviewByGeometry
			default:
				preview.Kind = PreviewNew
			}
		}
		previews = append(previews, preview)
	}
	return previews, nil
}
