package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/ngwpc/ripple-pipeline-go/internal/model"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a SQLite-backed Store, one file per collection.
//
// Grounded on the connection-setup discipline of a generic WAL-mode
// checkpoint store: db.SetMaxOpenConns(1) (SQLite supports one writer),
// PRAGMA journal_mode=WAL for concurrent reads, and a busy_timeout so
// writers queue rather than fail under contention — generalized here from
// a JSON-blob checkpoint schema to the fixed relational schema of
// spec.md §3.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes rating-curve inserts and metric upserts
}

// NewSQLiteStore opens (creating if absent) the SQLite file at path and
// prepares its connection pool. busyTimeoutMS should be >= 10000 per
// spec.md §4.1.
func NewSQLiteStore(path string, busyTimeoutMS int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 10000
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS reaches (
		reach_id TEXT PRIMARY KEY,
		nwm_to_id TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating reaches table: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SeedReaches inserts rows into reaches, ignoring duplicates. The filtered
// NWM flowline layer this data comes from is out of scope (non-goal); a
// caller that has already read the geospatial layer by some other means
// supplies the resulting rows here.
func (s *SQLiteStore) SeedReaches(ctx context.Context, reaches []model.Reach) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning seed-reaches tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO reaches (reach_id, nwm_to_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing seed-reaches stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range reaches {
		if _, err := stmt.ExecContext(ctx, r.ID, r.ToID); err != nil {
			return fmt.Errorf("seeding reach %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func stageColumns(stage string) (jobIDCol, statusCol string) {
	return stage + "_job_id", stage + "_status"
}

// Init creates the schema (idempotent), seeds network and processing from
// reaches, and writes one metadata row. Per SPEC_FULL.md §4.1 / DESIGN
// NOTES §9 "Column-set evolution", the processing table's stage columns
// are generated from stageNames via ALTER TABLE ... ADD COLUMN rather than
// hard-coded DDL.
func (s *SQLiteStore) Init(ctx context.Context, collectionID, toolVersion string, usDepthIncrement, dsDepthIncrement float64, stageNames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning init tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			tool_version TEXT,
			us_depth_increment REAL,
			ds_depth_increment REAL
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			collection_id TEXT,
			model_id TEXT,
			model_name TEXT,
			conflate_model_job_id TEXT,
			conflate_model_status TEXT,
			PRIMARY KEY (collection_id, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS network (
			reach_id TEXT PRIMARY KEY,
			nwm_to_id TEXT,
			updated_to_id TEXT,
			FOREIGN KEY (reach_id) REFERENCES reaches (reach_id)
		)`,
		`CREATE INDEX IF NOT EXISTS network_nwm_to_id_idx ON network (nwm_to_id)`,
		`CREATE INDEX IF NOT EXISTS network_updated_to_id_idx ON network (updated_to_id)`,
		`CREATE TABLE IF NOT EXISTS rating_curves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reach_id TEXT,
			us_flow REAL,
			us_depth REAL,
			us_wse REAL,
			ds_depth REAL,
			ds_wse REAL,
			boundary_condition TEXT CHECK(boundary_condition IN ('nd','kwse')) NOT NULL,
			FOREIGN KEY (reach_id) REFERENCES reaches (reach_id),
			UNIQUE(reach_id, us_flow, ds_wse, boundary_condition)
		)`,
		`CREATE TABLE IF NOT EXISTS rating_curves_no_map (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reach_id TEXT,
			us_flow REAL,
			us_depth REAL,
			us_wse REAL,
			ds_depth REAL,
			ds_wse REAL,
			boundary_condition TEXT CHECK(boundary_condition IN ('nd','kwse')) NOT NULL,
			xs_overtopped BOOL,
			FOREIGN KEY (reach_id) REFERENCES reaches (reach_id),
			UNIQUE(reach_id, us_flow, ds_wse, boundary_condition)
		)`,
		`CREATE INDEX IF NOT EXISTS rating_curves_reach_id ON rating_curves (reach_id)`,
		`CREATE TABLE IF NOT EXISTS rating_curves_metrics (
			rating_curve_id INTEGER PRIMARY KEY,
			xs_overtopped BOOL,
			FOREIGN KEY (rating_curve_id) REFERENCES rating_curves (id)
		)`,
		`CREATE TABLE IF NOT EXISTS processing (
			reach_id TEXT PRIMARY KEY,
			collection_id TEXT,
			model_id TEXT,
			eclipsed BOOL CHECK(eclipsed IN (0, 1)),
			FOREIGN KEY (collection_id, model_id) REFERENCES models (collection_id, model_id),
			FOREIGN KEY (reach_id) REFERENCES reaches (reach_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing DDL %q: %w", stmt, err)
		}
	}

	// Generate the processing table's per-stage columns in the configured
	// order. ALTER TABLE ADD COLUMN is a no-op-safe operation only when the
	// column is not already present, so failures here are tolerated only
	// for "duplicate column name".
	for _, stage := range stageNames {
		jobIDCol, statusCol := stageColumns(stage)
		for _, col := range []string{jobIDCol, statusCol} {
			stmt := fmt.Sprintf("ALTER TABLE processing ADD COLUMN %s TEXT", col)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				if !strings.Contains(err.Error(), "duplicate column name") {
					return fmt.Errorf("adding processing column %s: %w", col, err)
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO network (reach_id, nwm_to_id) SELECT reach_id, nwm_to_id FROM reaches`); err != nil {
		return fmt.Errorf("seeding network from reaches: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO processing (reach_id, collection_id) SELECT reach_id, ? FROM network`, collectionID); err != nil {
		return fmt.Errorf("seeding processing from network: %w", err)
	}

	var metaCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM metadata`).Scan(&metaCount); err != nil {
		return fmt.Errorf("counting metadata rows: %w", err)
	}
	if metaCount == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (tool_version, us_depth_increment, ds_depth_increment) VALUES (?, ?, ?)`,
			toolVersion, usDepthIncrement, dsDepthIncrement); err != nil {
			return fmt.Errorf("inserting metadata row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) InsertModels(ctx context.Context, collectionID string, models []model.Model) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert-models tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO models (collection_id, model_id, model_name) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert-models stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range models {
		if _, err := stmt.ExecContext(ctx, collectionID, m.ID, m.DisplayName); err != nil {
			return fmt.Errorf("inserting model %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) updateEntityTable(ctx context.Context, table, stage string, records []model.JobRecord) error {
	jobIDCol, statusCol := stageColumns(stage)
	idCol := "reach_id"
	if table == "models" {
		idCol = "model_id"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update-%s tx: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`UPDATE %s SET %s = ?, %s = ? WHERE %s = ?`, table, jobIDCol, statusCol, idCol)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing update-%s stmt: %w", table, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.JobID, string(rec.Status), rec.Entity.ID()); err != nil {
			return fmt.Errorf("updating %s entity %s: %w", table, rec.Entity.ID(), err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateModels(ctx context.Context, stage string, records []model.JobRecord) error {
	return s.updateEntityTable(ctx, "models", stage, records)
}

func (s *SQLiteStore) UpdateProcessing(ctx context.Context, stage string, records []model.JobRecord) error {
	return s.updateEntityTable(ctx, "processing", stage, records)
}

func (s *SQLiteStore) UpdateConflation(ctx context.Context, modelID string, payload ConflationPayload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update-conflation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE processing SET model_id = ?, eclipsed = ? WHERE reach_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing update-conflation stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for reachID, reach := range payload.Reaches {
		if _, err := stmt.ExecContext(ctx, modelID, reach.Eclipsed, reachID); err != nil {
			return fmt.Errorf("updating conflation for reach %s: %w", reachID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) reachesByEclipsed(ctx context.Context, eclipsed bool) (map[string]*string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.reach_id, n.nwm_to_id
		FROM network n
		JOIN processing p ON n.reach_id = p.reach_id
		WHERE p.eclipsed IS ?`, eclipsed)
	if err != nil {
		return nil, fmt.Errorf("querying reaches by eclipsed=%v: %w", eclipsed, err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]*string)
	for rows.Next() {
		var reachID string
		var toID sql.NullString
		if err := rows.Scan(&reachID, &toID); err != nil {
			return nil, fmt.Errorf("scanning reach row: %w", err)
		}
		if toID.Valid {
			v := toID.String
			result[reachID] = &v
		} else {
			result[reachID] = nil
		}
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetValidReaches(ctx context.Context) (map[string]*string, error) {
	return s.reachesByEclipsed(ctx, false)
}

func (s *SQLiteStore) GetEclipsedReaches(ctx context.Context) (map[string]*string, error) {
	return s.reachesByEclipsed(ctx, true)
}

func (s *SQLiteStore) UpdateNetwork(ctx context.Context, edges []model.NetworkEdge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update-network tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE network SET updated_to_id = ? WHERE reach_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing update-network stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, e.UpdatedToID, e.ReachID); err != nil {
			return fmt.Errorf("updating network edge for reach %s: %w", e.ReachID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetReachesByModels(ctx context.Context, modelIDs []string) ([]ReachByModel, error) {
	if len(modelIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(modelIDs))
	args := make([]interface{}, len(modelIDs))
	for i, id := range modelIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT n.reach_id, n.updated_to_id, p.model_id, m.model_name
		FROM network n
		JOIN processing p ON n.reach_id = p.reach_id
		JOIN models m ON m.model_id = p.model_id
		WHERE p.eclipsed IS FALSE AND p.model_id IN (%s)`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reaches by models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []ReachByModel
	for rows.Next() {
		var r ReachByModel
		var updatedToID sql.NullString
		if err := rows.Scan(&r.ReachID, &updatedToID, &r.ModelID, &r.ModelName); err != nil {
			return nil, fmt.Errorf("scanning reach-by-model row: %w", err)
		}
		if updatedToID.Valid {
			v := updatedToID.String
			r.UpdatedToID = &v
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetUpstreamReaches(ctx context.Context, reachID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reach_id FROM network WHERE updated_to_id = ?`, reachID)
	if err != nil {
		return nil, fmt.Errorf("querying upstream reaches of %s: %w", reachID, err)
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning upstream reach row: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetEntitiesByProcessAndStatus(ctx context.Context, table, stage, status string) ([]model.JobRecord, error) {
	jobIDCol, statusCol := stageColumns(stage)
	idCol := "reach_id"
	kind := model.EntityReach
	if table == "models" {
		idCol = "model_id"
		kind = model.EntityModel
	}

	query := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = ?`, idCol, jobIDCol, table, statusCol)
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("querying %s entities by status %s/%s: %w", table, stage, status, err)
	}
	defer func() { _ = rows.Close() }()

	var result []model.JobRecord
	for rows.Next() {
		var entityID string
		var jobID sql.NullString
		if err := rows.Scan(&entityID, &jobID); err != nil {
			return nil, fmt.Errorf("scanning entity-status row: %w", err)
		}
		entity := model.Entity{Kind: kind}
		if kind == model.EntityModel {
			entity.ModelID = entityID
		} else {
			entity.ReachID = entityID
		}
		result = append(result, model.JobRecord{Entity: entity, JobID: jobID.String, Status: model.JobStatus(status)})
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, table, stage, status, entityID string) error {
	_, statusCol := stageColumns(stage)
	idCol := "reach_id"
	if table == "models" {
		idCol = "model_id"
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, table, statusCol, idCol)
	if _, err := s.db.ExecContext(ctx, query, status, entityID); err != nil {
		return fmt.Errorf("updating status for %s %s: %w", table, entityID, err)
	}
	return nil
}

// ratingCurvesBatchSize is the conservative row count per batch, chosen so
// rows*4 params stays below SQLite's default SQLITE_MAX_VARIABLE_NUMBER
// ceiling (999 on most distributions), matching the original
// load_rating_curves.py sizing.
const ratingCurvesBatchSize = 240

func (s *SQLiteStore) InsertRatingCurves(ctx context.Context, rows []model.RatingCurveRow, mapExist bool) ([]int64, error) {
	table := "rating_curves"
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s
		(reach_id, us_flow, us_depth, us_wse, ds_depth, ds_wse, boundary_condition)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, table)
	if !mapExist {
		// rating_curves_no_map carries xs_overtopped directly; map-backed
		// rows get it via the separate rating_curves_metrics table instead
		// (UpsertRatingCurveMetrics), matching load_rating_curves.py.
		table = "rating_curves_no_map"
		query = fmt.Sprintf(`INSERT OR IGNORE INTO %s
			(reach_id, us_flow, us_depth, us_wse, ds_depth, ds_wse, boundary_condition, xs_overtopped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert-rating-curves tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing insert-rating-curves stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ids := make([]int64, len(rows))
	for i := 0; i < len(rows); i += ratingCurvesBatchSize {
		end := i + ratingCurvesBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		for j := i; j < end; j++ {
			r := rows[j]
			var res sql.Result
			var err error
			if mapExist {
				res, err = stmt.ExecContext(ctx, r.ReachID, r.USFlow, r.USDepth, r.USWSE, r.DSDepth, r.DSWSE, string(r.BoundaryCondition))
			} else {
				res, err = stmt.ExecContext(ctx, r.ReachID, r.USFlow, r.USDepth, r.USWSE, r.DSDepth, r.DSWSE, string(r.BoundaryCondition), r.XSOvertopped)
			}
			if err != nil {
				return nil, fmt.Errorf("inserting rating curve row for reach %s: %w", r.ReachID, err)
			}
			// LastInsertId is not reset by an ignored insert, so only a row
			// that was actually written reports its id.
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				if id, err := res.LastInsertId(); err == nil {
					ids[j] = id
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing insert-rating-curves tx: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) UpsertRatingCurveMetrics(ctx context.Context, reachID string, usFlow, dsWSE float64, boundaryCondition model.BoundaryCondition, xsOvertopped bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rating_curves_metrics (rating_curve_id, xs_overtopped)
		SELECT id, ? FROM rating_curves
		WHERE reach_id = ? AND us_flow = ? AND ds_wse = ? AND boundary_condition = ?`,
		xsOvertopped, reachID, usFlow, dsWSE, string(boundaryCondition))
	if err != nil {
		return fmt.Errorf("upserting rating curve metrics for reach %s: %w", reachID, err)
	}
	return nil
}

func (s *SQLiteStore) GetMinMaxUSWSE(ctx context.Context, dbPath string) (min, max *float64, err error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening submodel db %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	var minVal, maxVal sql.NullFloat64
	row := db.QueryRowContext(ctx, `SELECT MIN(us_wse), MAX(us_wse) FROM rating_curves WHERE boundary_condition = 'nd'`)
	if err := row.Scan(&minVal, &maxVal); err != nil {
		return nil, nil, fmt.Errorf("scanning min/max us_wse from %s: %w", dbPath, err)
	}
	if minVal.Valid {
		v := minVal.Float64
		min = &v
	}
	if maxVal.Valid {
		v := maxVal.Float64
		max = &v
	}
	return min, max, nil
}
