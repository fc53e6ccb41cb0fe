package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/emit"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// LoadAllRatingCurves merges every submodel's nd/kwse rating curves into
// the collection's central store, deleting each submodel DB once its
// rows have landed. Grounded on load_rating_curves.py's
// load_all_rating_curves/process_reach_db. A submodel DB that fails to
// merge is left on disk for forensics rather than deleted (per DESIGN
// NOTES §9), and the loader continues with the remaining submodels.
func LoadAllRatingCurves(ctx context.Context, c *collection.Context, st store.Store, e emit.Emitter) error {
	entries, err := os.ReadDir(c.SubmodelsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newConfigError("listing submodels directory", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		reachID := entry.Name()
		subDBPath := filepath.Join(c.SubmodelsDir(), reachID, reachID+".db")
		if _, err := os.Stat(subDBPath); err != nil {
			continue
		}

		if err := mergeSubmodelRatingCurves(ctx, subDBPath, st); err != nil {
			if e != nil {
				e.Emit(emit.Event{Collection: c.ID, Stage: "merge_rating_curves", EntityID: reachID, Msg: "rating_curve_merge_error",
					Meta: map[string]interface{}{"error": err.Error()}})
			}
			continue
		}

		if err := os.Remove(subDBPath); err != nil && e != nil {
			e.Emit(emit.Event{Collection: c.ID, Stage: "merge_rating_curves", EntityID: reachID, Msg: "submodel_db_remove_failed",
				Meta: map[string]interface{}{"error": err.Error()}})
		}
	}
	return nil
}

func mergeSubmodelRatingCurves(ctx context.Context, subDBPath string, st store.Store) error {
	db, err := sql.Open("sqlite", subDBPath)
	if err != nil {
		return fmt.Errorf("opening submodel db %s: %w", subDBPath, err)
	}
	defer func() { _ = db.Close() }()

	mapped, err := readRatingCurveRows(ctx, db, true)
	if err != nil {
		return err
	}
	if len(mapped) > 0 {
		ids, err := st.InsertRatingCurves(ctx, mapped, true)
		if err != nil {
			return fmt.Errorf("inserting mapped rating curves from %s: %w", subDBPath, err)
		}
		for i, row := range mapped {
			if ids[i] == 0 || row.XSOvertopped == nil {
				continue
			}
			if err := st.UpsertRatingCurveMetrics(ctx, row.ReachID, row.USFlow, row.DSWSE, row.BoundaryCondition, *row.XSOvertopped); err != nil {
				return fmt.Errorf("upserting rating curve metrics from %s: %w", subDBPath, err)
			}
		}
	}

	unmapped, err := readRatingCurveRows(ctx, db, false)
	if err != nil {
		return err
	}
	if len(unmapped) > 0 {
		if _, err := st.InsertRatingCurves(ctx, unmapped, false); err != nil {
			return fmt.Errorf("inserting unmapped rating curves from %s: %w", subDBPath, err)
		}
	}
	return nil
}

func readRatingCurveRows(ctx context.Context, db *sql.DB, mapExist bool) ([]model.RatingCurveRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT reach_id, us_flow, us_depth, us_wse, ds_depth, ds_wse, boundary_condition, xs_overtopped
		FROM rating_curves
		WHERE plan_suffix IN ('nd', 'kwse') AND map_exist IS ?`, mapExist)
	if err != nil {
		return nil, fmt.Errorf("querying submodel rating curves: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []model.RatingCurveRow
	for rows.Next() {
		var r model.RatingCurveRow
		var boundaryCondition string
		var xsOvertopped sql.NullBool
		if err := rows.Scan(&r.ReachID, &r.USFlow, &r.USDepth, &r.USWSE, &r.DSDepth, &r.DSWSE, &boundaryCondition, &xsOvertopped); err != nil {
			return nil, fmt.Errorf("scanning submodel rating curve row: %w", err)
		}
		r.BoundaryCondition = model.BoundaryCondition(boundaryCondition)
		if xsOvertopped.Valid {
			v := xsOvertopped.Bool
			r.XSOvertopped = &v
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
