package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS screengrabs (
	id                  TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL,
	url                 TEXT NOT NULL,
	platform            TEXT NOT NULL,
	detected_via        TEXT NOT NULL,
	platform_confidence REAL NOT NULL,
	content_hash        TEXT NOT NULL,
	storage_bucket      TEXT NOT NULL,
	storage_path_full   TEXT NOT NULL,
	wrapper_host        TEXT,
	report_name         TEXT,
	report_slug         TEXT,
	captured_at         DATETIME NOT NULL,
	rec_eff_strt_dt     DATETIME NOT NULL,
	rec_eff_end_dt      DATETIME,
	curr_rec_ind        INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_screengrabs_session ON screengrabs(session_id);
CREATE INDEX IF NOT EXISTS idx_screengrabs_url_curr ON screengrabs(url, curr_rec_ind);
CREATE UNIQUE INDEX IF NOT EXISTS idx_screengrabs_hash_curr
	ON screengrabs(content_hash) WHERE curr_rec_ind = 1;

CREATE TABLE IF NOT EXISTS widgets (
	id                TEXT PRIMARY KEY,
	screengrab_id     TEXT NOT NULL REFERENCES screengrabs(id),
	widget_index      INTEGER NOT NULL,
	bbox_x            INTEGER NOT NULL,
	bbox_y            INTEGER NOT NULL,
	bbox_w            INTEGER NOT NULL,
	bbox_h            INTEGER NOT NULL,
	selector_kind     TEXT NOT NULL,
	title             TEXT,
	title_present     INTEGER NOT NULL DEFAULT 0,
	quality           TEXT NOT NULL,
	quality_score     REAL NOT NULL,
	quality_reasons   TEXT,
	storage_bucket    TEXT NOT NULL,
	storage_path_crop TEXT NOT NULL,
	extraction_stage  TEXT NOT NULL DEFAULT 'captured',
	captured_at       DATETIME NOT NULL,
	rec_eff_strt_dt   DATETIME NOT NULL,
	rec_eff_end_dt    DATETIME,
	curr_rec_ind      INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_widgets_screengrab ON widgets(screengrab_id);
CREATE INDEX IF NOT EXISTS idx_widgets_quality ON widgets(quality);

CREATE TABLE IF NOT EXISTS pair_mappings (
	id               TEXT PRIMARY KEY,
	widget_id_left   TEXT NOT NULL REFERENCES widgets(id),
	widget_id_right  TEXT NOT NULL REFERENCES widgets(id),
	session_id_left  TEXT NOT NULL,
	session_id_right TEXT NOT NULL,
	pair_no          INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'mapped',
	rec_eff_strt_dt  DATETIME NOT NULL,
	rec_eff_end_dt   DATETIME,
	curr_rec_ind     INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_pairs_sessions ON pair_mappings(session_id_left, session_id_right);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pairs_widgets_curr
	ON pair_mappings(widget_id_left, widget_id_right) WHERE curr_rec_ind = 1;

CREATE TABLE IF NOT EXISTS extractions (
	id            TEXT PRIMARY KEY,
	widget_id     TEXT NOT NULL REFERENCES widgets(id),
	screengrab_id TEXT NOT NULL,
	session_id    TEXT,
	image_key     TEXT NOT NULL,
	audit_key     TEXT,
	payload       TEXT NOT NULL,
	model_name    TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extractions_widget ON extractions(widget_id, created_at DESC);

CREATE TABLE IF NOT EXISTS compare_results (
	id                  TEXT PRIMARY KEY,
	pair_id             TEXT NOT NULL REFERENCES pair_mappings(id),
	left_extraction_id  TEXT NOT NULL,
	right_extraction_id TEXT NOT NULL,
	left_widget_id      TEXT NOT NULL,
	right_widget_id     TEXT NOT NULL,
	compare_mode        TEXT NOT NULL,
	model_name          TEXT NOT NULL,
	verdict             TEXT NOT NULL,
	confidence          REAL NOT NULL,
	reasons             TEXT,
	corr                REAL,
	mape                REAL,
	aligned_points      INTEGER NOT NULL DEFAULT 0,
	numbers_used        TEXT,
	created_at          DATETIME NOT NULL,
	rec_eff_strt_dt     DATETIME NOT NULL,
	rec_eff_end_dt      DATETIME,
	curr_rec_ind        INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_compare_pair ON compare_results(pair_id, curr_rec_ind);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	widget_id      TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	image_key      TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Screengrabs

const screengrabCols = `id, session_id, url, platform, detected_via, platform_confidence,
	content_hash, storage_bucket, storage_path_full, wrapper_host, report_name, report_slug,
	captured_at, rec_eff_strt_dt, rec_eff_end_dt, curr_rec_ind`

func (s *SQLiteStore) UpsertScreengrab(ctx context.Context, sg *model.Screengrab) (*model.Screengrab, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: begin upsert screengrab")
	}
	defer tx.Rollback()

	// Content-addressed identity: same bytes, same row.
	row := tx.QueryRowContext(ctx,
		`SELECT `+screengrabCols+` FROM screengrabs WHERE content_hash = ? AND curr_rec_ind = 1`,
		sg.ContentHash,
	)
	existing, err := scanScreengrab(row)
	if err != nil && !eris.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()

	// The page changed: retire the previous current version for this URL.
	if _, err := tx.ExecContext(ctx,
		`UPDATE screengrabs SET curr_rec_ind = 0, rec_eff_end_dt = ? WHERE url = ? AND curr_rec_ind = 1`,
		now, sg.URL,
	); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: retire screengrab")
	}

	out := *sg
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.EffectiveStart = now
	out.EffectiveEnd = nil
	out.Current = true

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO screengrabs (`+screengrabCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)`,
		out.ID, out.SessionID, out.URL, string(out.Platform), out.DetectedVia, out.PlatformConfidence,
		out.ContentHash, out.StorageBucket, out.StoragePathFull, out.WrapperHost, out.ReportName, out.ReportSlug,
		out.CapturedAt, out.EffectiveStart,
	); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert screengrab")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: commit upsert screengrab")
	}
	return &out, true, nil
}

func (s *SQLiteStore) GetScreengrab(ctx context.Context, id string) (*model.Screengrab, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+screengrabCols+` FROM screengrabs WHERE id = ?`, id)
	return scanScreengrab(row)
}

func (s *SQLiteStore) ListScreengrabs(ctx context.Context, filter ScreengrabFilter) ([]model.Screengrab, error) {
	query := `SELECT ` + screengrabCols + ` FROM screengrabs WHERE 1=1`
	var args []any

	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(filter.Platform))
	}
	if filter.CurrentOnly {
		query += ` AND curr_rec_ind = 1`
	}
	query += ` ORDER BY captured_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list screengrabs")
	}
	defer rows.Close()

	var out []model.Screengrab
	for rows.Next() {
		sg, err := scanScreengrab(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list screengrabs iterate")
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sg.session_id, sg.url, sg.platform, COALESCE(sg.report_name, ''),
		        COUNT(w.id), COALESCE(SUM(CASE WHEN w.quality = 'good' THEN 1 ELSE 0 END), 0),
		        sg.captured_at
		 FROM screengrabs sg
		 LEFT JOIN widgets w ON w.screengrab_id = sg.id
		 WHERE sg.curr_rec_ind = 1
		 GROUP BY sg.id
		 ORDER BY sg.captured_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		var platform string
		if err := rows.Scan(&ss.SessionID, &ss.URL, &platform, &ss.ReportName,
			&ss.WidgetCount, &ss.GoodCount, &ss.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		ss.Platform = model.Platform(platform)
		out = append(out, ss)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

// Widgets

const widgetCols = `id, screengrab_id, widget_index, bbox_x, bbox_y, bbox_w, bbox_h,
	selector_kind, title, title_present, quality, quality_score, quality_reasons,
	storage_bucket, storage_path_crop, extraction_stage, captured_at,
	rec_eff_strt_dt, rec_eff_end_dt, curr_rec_ind`

func (s *SQLiteStore) InsertWidgets(ctx context.Context, widgets []model.Widget) error {
	if len(widgets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert widgets")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO widgets (`+widgetCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert widget")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range widgets {
		w := &widgets[i]
		if w.ID == "" {
			w.ID = uuid.New().String()
		}
		w.EffectiveStart = now
		w.Current = true

		reasonsJSON, err := json.Marshal(w.QualityReasons)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal quality reasons")
		}
		if _, err := stmt.ExecContext(ctx,
			w.ID, w.ScreengrabID, w.Index, w.BBox.X, w.BBox.Y, w.BBox.W, w.BBox.H,
			string(w.SelectorKind), w.Title, w.TitlePresent, string(w.Quality), w.QualityScore, string(reasonsJSON),
			w.StorageBucket, w.StoragePathCrop, string(w.ExtractionStage), w.CapturedAt,
			w.EffectiveStart,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert widget %d", w.Index)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit insert widgets")
}

func (s *SQLiteStore) GetWidget(ctx context.Context, id string) (*model.Widget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+widgetCols+` FROM widgets WHERE id = ?`, id)
	return scanWidget(row)
}

func (s *SQLiteStore) ListWidgets(ctx context.Context, filter WidgetFilter) ([]model.Widget, error) {
	query := `SELECT ` + widgetColsAliased("w") + ` FROM widgets w`
	var args []any

	if filter.SessionID != "" {
		query += ` JOIN screengrabs sg ON sg.id = w.screengrab_id`
	}
	query += ` WHERE 1=1`
	if filter.SessionID != "" {
		query += ` AND sg.session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.ScreengrabID != "" {
		query += ` AND w.screengrab_id = ?`
		args = append(args, filter.ScreengrabID)
	}
	if filter.Quality != "" {
		query += ` AND w.quality = ?`
		args = append(args, string(filter.Quality))
	}
	if filter.Stage != "" {
		query += ` AND w.extraction_stage = ?`
		args = append(args, string(filter.Stage))
	}
	query += ` ORDER BY w.widget_index ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list widgets")
	}
	defer rows.Close()

	var out []model.Widget
	for rows.Next() {
		w, err := scanWidget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list widgets iterate")
}

func (s *SQLiteStore) MarkWidgetParsed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE widgets SET extraction_stage = ? WHERE id = ?`,
		string(model.StageParsed), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark widget parsed %s", id)
	}
	return checkRowsAffected(res, "widget", id)
}

// Pair mappings

const pairCols = `id, widget_id_left, widget_id_right, session_id_left, session_id_right,
	pair_no, status, rec_eff_strt_dt, rec_eff_end_dt, curr_rec_ind`

func (s *SQLiteStore) UpsertPairMapping(ctx context.Context, pm model.PairMapping) (*model.PairMapping, model.PairChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "sqlite: begin upsert pair")
	}
	defer tx.Rollback()

	// The widget-id pair is the natural key; session ids and the pair number
	// are payload whose change supersedes the current row.
	row := tx.QueryRowContext(ctx,
		`SELECT `+pairCols+` FROM pair_mappings
		 WHERE widget_id_left = ? AND widget_id_right = ? AND curr_rec_ind = 1`,
		pm.WidgetIDLeft, pm.WidgetIDRight,
	)
	existing, err := scanPair(row)
	if err != nil && !eris.Is(err, ErrNotFound) {
		return nil, "", err
	}

	now := time.Now().UTC()

	if existing != nil {
		if existing.SessionIDLeft == pm.SessionIDLeft && existing.SessionIDRight == pm.SessionIDRight &&
			existing.PairNumber == pm.PairNumber {
			return existing, model.PairUnchanged, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pair_mappings SET curr_rec_ind = 0, rec_eff_end_dt = ?, status = ? WHERE id = ?`,
			now, string(model.PairStatusRetired), existing.ID,
		); err != nil {
			return nil, "", eris.Wrap(err, "sqlite: retire pair")
		}
	}

	out := pm
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Status = model.PairStatusMapped
	out.EffectiveStart = now
	out.EffectiveEnd = nil
	out.Current = true

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pair_mappings (`+pairCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)`,
		out.ID, out.WidgetIDLeft, out.WidgetIDRight, out.SessionIDLeft, out.SessionIDRight,
		out.PairNumber, string(out.Status), out.EffectiveStart,
	); err != nil {
		return nil, "", eris.Wrap(err, "sqlite: insert pair")
	}

	if err := tx.Commit(); err != nil {
		return nil, "", eris.Wrap(err, "sqlite: commit upsert pair")
	}

	change := model.PairInserted
	if existing != nil {
		change = model.PairSuperseded
	}
	return &out, change, nil
}

func (s *SQLiteStore) ListPairMappings(ctx context.Context, filter PairFilter) ([]model.PairMapping, error) {
	query := `SELECT ` + pairCols + ` FROM pair_mappings WHERE 1=1`
	var args []any

	if filter.SessionIDLeft != "" {
		query += ` AND session_id_left = ?`
		args = append(args, filter.SessionIDLeft)
	}
	if filter.SessionIDRight != "" {
		query += ` AND session_id_right = ?`
		args = append(args, filter.SessionIDRight)
	}
	if filter.CurrentOnly {
		query += ` AND curr_rec_ind = 1`
	}
	query += ` ORDER BY pair_no ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pairs")
	}
	defer rows.Close()

	var out []model.PairMapping
	for rows.Next() {
		pm, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pm)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pairs iterate")
}

// Extractions

func (s *SQLiteStore) InsertExtraction(ctx context.Context, ev *model.ExtractedValue) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(ev.Values)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extraction payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extractions (id, widget_id, screengrab_id, session_id, image_key, audit_key, payload, model_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.WidgetID, ev.ScreengrabID, ev.SessionID, ev.ImageStorageKey, ev.AuditStorageKey,
		string(payloadJSON), ev.ModelName, ev.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert extraction")
}

func (s *SQLiteStore) LatestExtractionForWidget(ctx context.Context, widgetID string) (*model.ExtractedValue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, widget_id, screengrab_id, session_id, image_key, audit_key, payload, model_name, created_at
		 FROM extractions WHERE widget_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		widgetID,
	)

	var ev model.ExtractedValue
	var sessionID, auditKey sql.NullString
	var payloadJSON string
	err := row.Scan(&ev.ID, &ev.WidgetID, &ev.ScreengrabID, &sessionID, &ev.ImageStorageKey,
		&auditKey, &payloadJSON, &ev.ModelName, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "extraction for widget %s", widgetID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get latest extraction")
	}
	ev.SessionID = sessionID.String
	ev.AuditStorageKey = auditKey.String
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Values); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal extraction payload")
	}
	return &ev, nil
}

// Comparison results

const compareCols = `id, pair_id, left_extraction_id, right_extraction_id, left_widget_id, right_widget_id,
	compare_mode, model_name, verdict, confidence, reasons, corr, mape, aligned_points, numbers_used,
	created_at, rec_eff_strt_dt, rec_eff_end_dt, curr_rec_ind`

func (s *SQLiteStore) UpsertCompareResult(ctx context.Context, cr *model.CompareResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert compare")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Re-running a comparison supersedes the previous verdict for the same
	// extraction pair and model.
	if _, err := tx.ExecContext(ctx,
		`UPDATE compare_results SET curr_rec_ind = 0, rec_eff_end_dt = ?
		 WHERE pair_id = ? AND left_extraction_id = ? AND right_extraction_id = ?
		   AND model_name = ? AND curr_rec_ind = 1`,
		now, cr.PairID, cr.LeftExtractionID, cr.RightExtractionID, cr.ModelName,
	); err != nil {
		return eris.Wrap(err, "sqlite: retire compare result")
	}

	if cr.ID == "" {
		cr.ID = uuid.New().String()
	}
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	cr.EffectiveStart = now
	cr.EffectiveEnd = nil
	cr.Current = true

	reasonsJSON, err := json.Marshal(cr.Reasons)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal compare reasons")
	}

	var numbersUsed any
	if len(cr.NumbersUsed) > 0 {
		numbersUsed = string(cr.NumbersUsed)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO compare_results (`+compareCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)`,
		cr.ID, cr.PairID, cr.LeftExtractionID, cr.RightExtractionID, cr.LeftWidgetID, cr.RightWidgetID,
		string(cr.Mode), cr.ModelName, string(cr.Verdict), cr.Confidence, string(reasonsJSON),
		cr.Corr, cr.MAPE, cr.AlignedPoints, numbersUsed, cr.CreatedAt, cr.EffectiveStart,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert compare result")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert compare")
}

func (s *SQLiteStore) ListCompareResults(ctx context.Context, filter CompareFilter) ([]model.CompareResult, error) {
	query := `SELECT ` + compareCols + ` FROM compare_results WHERE 1=1`
	var args []any

	if filter.PairID != "" {
		query += ` AND pair_id = ?`
		args = append(args, filter.PairID)
	}
	if filter.Mode != "" {
		query += ` AND compare_mode = ?`
		args = append(args, string(filter.Mode))
	}
	if filter.CurrentOnly {
		query += ` AND curr_rec_ind = 1`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list compare results")
	}
	defer rows.Close()

	var out []model.CompareResult
	for rows.Next() {
		cr, err := scanCompare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cr)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list compare results iterate")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, widget_id, session_id, image_key, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, failed_phase = excluded.failed_phase,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.WidgetID, entry.SessionID, entry.ImageKey, entry.Error, entry.ErrorType,
		entry.FailedPhase, entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, widget_id, session_id, image_key, error, error_type, failed_phase,
	                 retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var failedPhase sql.NullString
		if err := rows.Scan(&e.ID, &e.WidgetID, &e.SessionID, &e.ImageKey, &e.Error, &e.ErrorType,
			&failedPhase, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.FailedPhase = failedPhase.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt, lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func widgetColsAliased(alias string) string {
	cols := strings.Split(widgetCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanScreengrab(row scannable) (*model.Screengrab, error) {
	var sg model.Screengrab
	var platform string
	var wrapperHost, reportName, reportSlug sql.NullString
	var endDt sql.NullTime

	err := row.Scan(&sg.ID, &sg.SessionID, &sg.URL, &platform, &sg.DetectedVia, &sg.PlatformConfidence,
		&sg.ContentHash, &sg.StorageBucket, &sg.StoragePathFull, &wrapperHost, &reportName, &reportSlug,
		&sg.CapturedAt, &sg.EffectiveStart, &endDt, &sg.Current)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "screengrab")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan screengrab")
	}

	sg.Platform = model.Platform(platform)
	sg.WrapperHost = wrapperHost.String
	sg.ReportName = reportName.String
	sg.ReportSlug = reportSlug.String
	if endDt.Valid {
		t := endDt.Time
		sg.EffectiveEnd = &t
	}
	return &sg, nil
}

func scanWidget(row scannable) (*model.Widget, error) {
	var w model.Widget
	var kind, quality, stage string
	var title, reasonsJSON sql.NullString
	var endDt sql.NullTime

	err := row.Scan(&w.ID, &w.ScreengrabID, &w.Index, &w.BBox.X, &w.BBox.Y, &w.BBox.W, &w.BBox.H,
		&kind, &title, &w.TitlePresent, &quality, &w.QualityScore, &reasonsJSON,
		&w.StorageBucket, &w.StoragePathCrop, &stage, &w.CapturedAt,
		&w.EffectiveStart, &endDt, &w.Current)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "widget")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan widget")
	}

	w.SelectorKind = model.SelectorKind(kind)
	w.Quality = model.QualityLabel(quality)
	w.ExtractionStage = model.ExtractionStage(stage)
	w.Title = title.String
	if reasonsJSON.Valid && reasonsJSON.String != "" && reasonsJSON.String != "null" {
		if err := json.Unmarshal([]byte(reasonsJSON.String), &w.QualityReasons); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal quality reasons")
		}
	}
	if endDt.Valid {
		t := endDt.Time
		w.EffectiveEnd = &t
	}
	return &w, nil
}

func scanPair(row scannable) (*model.PairMapping, error) {
	var pm model.PairMapping
	var status string
	var endDt sql.NullTime

	err := row.Scan(&pm.ID, &pm.WidgetIDLeft, &pm.WidgetIDRight, &pm.SessionIDLeft, &pm.SessionIDRight,
		&pm.PairNumber, &status, &pm.EffectiveStart, &endDt, &pm.Current)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "pair_mapping")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan pair")
	}

	pm.Status = model.PairStatus(status)
	if endDt.Valid {
		t := endDt.Time
		pm.EffectiveEnd = &t
	}
	return &pm, nil
}

func scanCompare(row scannable) (*model.CompareResult, error) {
	var cr model.CompareResult
	var mode, verdict string
	var reasonsJSON, numbersUsed sql.NullString
	var corr, mape sql.NullFloat64
	var endDt sql.NullTime

	err := row.Scan(&cr.ID, &cr.PairID, &cr.LeftExtractionID, &cr.RightExtractionID,
		&cr.LeftWidgetID, &cr.RightWidgetID, &mode, &cr.ModelName, &verdict, &cr.Confidence,
		&reasonsJSON, &corr, &mape, &cr.AlignedPoints, &numbersUsed, &cr.CreatedAt,
		&cr.EffectiveStart, &endDt, &cr.Current)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "compare_result")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan compare result")
	}

	cr.Mode = model.CompareMode(mode)
	cr.Verdict = model.CompareVerdict(verdict)
	if reasonsJSON.Valid && reasonsJSON.String != "" && reasonsJSON.String != "null" {
		if err := json.Unmarshal([]byte(reasonsJSON.String), &cr.Reasons); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal compare reasons")
		}
	}
	if corr.Valid {
		v := corr.Float64
		cr.Corr = &v
	}
	if mape.Valid {
		v := mape.Float64
		cr.MAPE = &v
	}
	if numbersUsed.Valid && numbersUsed.String != "" {
		cr.NumbersUsed = json.RawMessage(numbersUsed.String)
	}
	if endDt.Valid {
		t := endDt.Time
		cr.EffectiveEnd = &t
	}
	return &cr, nil
}
