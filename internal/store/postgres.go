package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/db"
	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS screengrabs (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id          TEXT NOT NULL,
	url                 TEXT NOT NULL,
	platform            TEXT NOT NULL,
	detected_via        TEXT NOT NULL,
	platform_confidence DOUBLE PRECISION NOT NULL,
	content_hash        TEXT NOT NULL,
	storage_bucket      TEXT NOT NULL,
	storage_path_full   TEXT NOT NULL,
	wrapper_host        TEXT,
	report_name         TEXT,
	report_slug         TEXT,
	captured_at         TIMESTAMPTZ NOT NULL,
	rec_eff_strt_dt     TIMESTAMPTZ NOT NULL,
	rec_eff_end_dt      TIMESTAMPTZ,
	curr_rec_ind        BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_screengrabs_session ON screengrabs(session_id);
CREATE INDEX IF NOT EXISTS idx_screengrabs_url_curr ON screengrabs(url, curr_rec_ind);
CREATE UNIQUE INDEX IF NOT EXISTS idx_screengrabs_hash_curr
	ON screengrabs(content_hash) WHERE curr_rec_ind;

CREATE TABLE IF NOT EXISTS widgets (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	screengrab_id     TEXT NOT NULL REFERENCES screengrabs(id),
	widget_index      INTEGER NOT NULL,
	bbox_x            INTEGER NOT NULL,
	bbox_y            INTEGER NOT NULL,
	bbox_w            INTEGER NOT NULL,
	bbox_h            INTEGER NOT NULL,
	selector_kind     TEXT NOT NULL,
	title             TEXT,
	title_present     BOOLEAN NOT NULL DEFAULT false,
	quality           TEXT NOT NULL,
	quality_score     DOUBLE PRECISION NOT NULL,
	quality_reasons   JSONB,
	storage_bucket    TEXT NOT NULL,
	storage_path_crop TEXT NOT NULL,
	extraction_stage  TEXT NOT NULL DEFAULT 'captured',
	captured_at       TIMESTAMPTZ NOT NULL,
	rec_eff_strt_dt   TIMESTAMPTZ NOT NULL,
	rec_eff_end_dt    TIMESTAMPTZ,
	curr_rec_ind      BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_widgets_screengrab ON widgets(screengrab_id);
CREATE INDEX IF NOT EXISTS idx_widgets_quality ON widgets(quality);

CREATE TABLE IF NOT EXISTS pair_mappings (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	widget_id_left   TEXT NOT NULL REFERENCES widgets(id),
	widget_id_right  TEXT NOT NULL REFERENCES widgets(id),
	session_id_left  TEXT NOT NULL,
	session_id_right TEXT NOT NULL,
	pair_no          INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'mapped',
	rec_eff_strt_dt  TIMESTAMPTZ NOT NULL,
	rec_eff_end_dt   TIMESTAMPTZ,
	curr_rec_ind     BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_pairs_sessions ON pair_mappings(session_id_left, session_id_right);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pairs_widgets_curr
	ON pair_mappings(widget_id_left, widget_id_right) WHERE curr_rec_ind;

CREATE TABLE IF NOT EXISTS extractions (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	widget_id     TEXT NOT NULL REFERENCES widgets(id),
	screengrab_id TEXT NOT NULL,
	session_id    TEXT,
	image_key     TEXT NOT NULL,
	audit_key     TEXT,
	payload       JSONB NOT NULL,
	model_name    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extractions_widget ON extractions(widget_id, created_at DESC);

CREATE TABLE IF NOT EXISTS compare_results (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	pair_id             TEXT NOT NULL REFERENCES pair_mappings(id),
	left_extraction_id  TEXT NOT NULL,
	right_extraction_id TEXT NOT NULL,
	left_widget_id      TEXT NOT NULL,
	right_widget_id     TEXT NOT NULL,
	compare_mode        TEXT NOT NULL,
	model_name          TEXT NOT NULL,
	verdict             TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	reasons             JSONB,
	corr                DOUBLE PRECISION,
	mape                DOUBLE PRECISION,
	aligned_points      INTEGER NOT NULL DEFAULT 0,
	numbers_used        JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	rec_eff_strt_dt     TIMESTAMPTZ NOT NULL,
	rec_eff_end_dt      TIMESTAMPTZ,
	curr_rec_ind        BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_compare_pair ON compare_results(pair_id, curr_rec_ind);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	widget_id      TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	image_key      TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Screengrabs

func (s *PostgresStore) UpsertScreengrab(ctx context.Context, sg *model.Screengrab) (*model.Screengrab, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: begin upsert screengrab")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+screengrabCols+` FROM screengrabs WHERE content_hash = $1 AND curr_rec_ind`,
		sg.ContentHash,
	)
	existing, err := scanScreengrabPG(row)
	if err != nil && !eris.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE screengrabs SET curr_rec_ind = false, rec_eff_end_dt = $1 WHERE url = $2 AND curr_rec_ind`,
		now, sg.URL,
	); err != nil {
		return nil, false, eris.Wrap(err, "postgres: retire screengrab")
	}

	out := *sg
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.EffectiveStart = now
	out.EffectiveEnd = nil
	out.Current = true

	if _, err := tx.Exec(ctx,
		`INSERT INTO screengrabs (`+screengrabCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULL, true)`,
		out.ID, out.SessionID, out.URL, string(out.Platform), out.DetectedVia, out.PlatformConfidence,
		out.ContentHash, out.StorageBucket, out.StoragePathFull, nullable(out.WrapperHost),
		nullable(out.ReportName), nullable(out.ReportSlug), out.CapturedAt, out.EffectiveStart,
	); err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert screengrab")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: commit upsert screengrab")
	}
	return &out, true, nil
}

func (s *PostgresStore) GetScreengrab(ctx context.Context, id string) (*model.Screengrab, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+screengrabCols+` FROM screengrabs WHERE id = $1`, id)
	return scanScreengrabPG(row)
}

func (s *PostgresStore) ListScreengrabs(ctx context.Context, filter ScreengrabFilter) ([]model.Screengrab, error) {
	query := `SELECT ` + screengrabCols + ` FROM screengrabs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Platform != "" {
		query += fmt.Sprintf(` AND platform = $%d`, argIdx)
		args = append(args, string(filter.Platform))
		argIdx++
	}
	if filter.CurrentOnly {
		query += ` AND curr_rec_ind`
	}
	query += ` ORDER BY captured_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list screengrabs")
	}
	defer rows.Close()

	var out []model.Screengrab
	for rows.Next() {
		sg, err := scanScreengrabPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list screengrabs iterate")
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT sg.session_id, sg.url, sg.platform, COALESCE(sg.report_name, ''),
		        COUNT(w.id), COALESCE(SUM(CASE WHEN w.quality = 'good' THEN 1 ELSE 0 END), 0),
		        sg.captured_at
		 FROM screengrabs sg
		 LEFT JOIN widgets w ON w.screengrab_id = sg.id
		 WHERE sg.curr_rec_ind
		 GROUP BY sg.id
		 ORDER BY sg.captured_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		var platform string
		if err := rows.Scan(&ss.SessionID, &ss.URL, &platform, &ss.ReportName,
			&ss.WidgetCount, &ss.GoodCount, &ss.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		ss.Platform = model.Platform(platform)
		out = append(out, ss)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

// Widgets

var widgetCopyColumns = []string{
	"id", "screengrab_id", "widget_index", "bbox_x", "bbox_y", "bbox_w", "bbox_h",
	"selector_kind", "title", "title_present", "quality", "quality_score", "quality_reasons",
	"storage_bucket", "storage_path_crop", "extraction_stage", "captured_at",
	"rec_eff_strt_dt", "rec_eff_end_dt", "curr_rec_ind",
}

// InsertWidgets bulk-loads widget rows over the COPY protocol. A capture of a
// dense dashboard lands up to 80 rows at once.
func (s *PostgresStore) InsertWidgets(ctx context.Context, widgets []model.Widget) error {
	if len(widgets) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(widgets))
	for i := range widgets {
		w := &widgets[i]
		if w.ID == "" {
			w.ID = uuid.New().String()
		}
		w.EffectiveStart = now
		w.Current = true

		reasonsJSON, err := json.Marshal(w.QualityReasons)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal quality reasons")
		}
		rows = append(rows, []any{
			w.ID, w.ScreengrabID, w.Index, w.BBox.X, w.BBox.Y, w.BBox.W, w.BBox.H,
			string(w.SelectorKind), w.Title, w.TitlePresent, string(w.Quality), w.QualityScore, reasonsJSON,
			w.StorageBucket, w.StoragePathCrop, string(w.ExtractionStage), w.CapturedAt,
			w.EffectiveStart, nil, true,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "widgets", widgetCopyColumns, rows)
	return eris.Wrap(err, "postgres: insert widgets")
}

func (s *PostgresStore) GetWidget(ctx context.Context, id string) (*model.Widget, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+widgetCols+` FROM widgets WHERE id = $1`, id)
	return scanWidgetPG(row)
}

func (s *PostgresStore) ListWidgets(ctx context.Context, filter WidgetFilter) ([]model.Widget, error) {
	query := `SELECT ` + widgetColsAliased("w") + ` FROM widgets w`
	args := []any{}
	argIdx := 1

	if filter.SessionID != "" {
		query += ` JOIN screengrabs sg ON sg.id = w.screengrab_id`
	}
	query += ` WHERE true`
	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND sg.session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.ScreengrabID != "" {
		query += fmt.Sprintf(` AND w.screengrab_id = $%d`, argIdx)
		args = append(args, filter.ScreengrabID)
		argIdx++
	}
	if filter.Quality != "" {
		query += fmt.Sprintf(` AND w.quality = $%d`, argIdx)
		args = append(args, string(filter.Quality))
		argIdx++
	}
	if filter.Stage != "" {
		query += fmt.Sprintf(` AND w.extraction_stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	query += ` ORDER BY w.widget_index ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list widgets")
	}
	defer rows.Close()

	var out []model.Widget
	for rows.Next() {
		w, err := scanWidgetPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list widgets iterate")
}

func (s *PostgresStore) MarkWidgetParsed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE widgets SET extraction_stage = $1 WHERE id = $2`,
		string(model.StageParsed), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark widget parsed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "widget %s", id)
	}
	return nil
}

// Pair mappings

func (s *PostgresStore) UpsertPairMapping(ctx context.Context, pm model.PairMapping) (*model.PairMapping, model.PairChange, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", eris.Wrap(err, "postgres: begin upsert pair")
	}
	defer tx.Rollback(ctx)

	// The widget-id pair is the natural key; session ids and the pair number
	// are payload whose change supersedes the current row.
	row := tx.QueryRow(ctx,
		`SELECT `+pairCols+` FROM pair_mappings
		 WHERE widget_id_left = $1 AND widget_id_right = $2 AND curr_rec_ind`,
		pm.WidgetIDLeft, pm.WidgetIDRight,
	)
	existing, err := scanPairPG(row)
	if err != nil && !eris.Is(err, ErrNotFound) {
		return nil, "", err
	}

	now := time.Now().UTC()

	if existing != nil {
		if existing.SessionIDLeft == pm.SessionIDLeft && existing.SessionIDRight == pm.SessionIDRight &&
			existing.PairNumber == pm.PairNumber {
			return existing, model.PairUnchanged, nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pair_mappings SET curr_rec_ind = false, rec_eff_end_dt = $1, status = $2 WHERE id = $3`,
			now, string(model.PairStatusRetired), existing.ID,
		); err != nil {
			return nil, "", eris.Wrap(err, "postgres: retire pair")
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO pair_mappings (`+pairCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, true)`,
		out.ID, out.WidgetIDLeft, out.WidgetIDRight, out.SessionIDLeft, out.SessionIDRight,
		out.PairNumber, string(out.Status), out.EffectiveStart,
	); err != nil {
		return nil, "", eris.Wrap(err, "postgres: insert pair")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", eris.Wrap(err, "postgres: commit upsert pair")
	}

	change := model.PairInserted
	if existing != nil {
		change = model.PairSuperseded
	}
	return &out, change, nil
}

func (s *PostgresStore) ListPairMappings(ctx context.Context, filter PairFilter) ([]model.PairMapping, error) {
	query := `SELECT ` + pairCols + ` FROM pair_mappings WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SessionIDLeft != "" {
		query += fmt.Sprintf(` AND session_id_left = $%d`, argIdx)
		args = append(args, filter.SessionIDLeft)
		argIdx++
	}
	if filter.SessionIDRight != "" {
		query += fmt.Sprintf(` AND session_id_right = $%d`, argIdx)
		args = append(args, filter.SessionIDRight)
		argIdx++
	}
	if filter.CurrentOnly {
		query += ` AND curr_rec_ind`
	}
	query += ` ORDER BY pair_no ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pairs")
	}
	defer rows.Close()

	var out []model.PairMapping
	for rows.Next() {
		pm, err := scanPairPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pm)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pairs iterate")
}

// Extractions

func (s *PostgresStore) InsertExtraction(ctx context.Context, ev *model.ExtractedValue) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(ev.Values)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extraction payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extractions (id, widget_id, screengrab_id, session_id, image_key, audit_key, payload, model_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.WidgetID, ev.ScreengrabID, nullable(ev.SessionID), ev.ImageStorageKey,
		nullable(ev.AuditStorageKey), payloadJSON, ev.ModelName, ev.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert extraction")
}

func (s *PostgresStore) LatestExtractionForWidget(ctx context.Context, widgetID string) (*model.ExtractedValue, error) {
	var ev model.ExtractedValue
	var sessionID, auditKey *string
	var payloadJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, widget_id, screengrab_id, session_id, image_key, audit_key, payload, model_name, created_at
		 FROM extractions WHERE widget_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		widgetID,
	).Scan(&ev.ID, &ev.WidgetID, &ev.ScreengrabID, &sessionID, &ev.ImageStorageKey,
		&auditKey, &payloadJSON, &ev.ModelName, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "extraction for widget %s", widgetID)
		}
		return nil, eris.Wrap(err, "postgres: get latest extraction")
	}
	if sessionID != nil {
		ev.SessionID = *sessionID
	}
	if auditKey != nil {
		ev.AuditStorageKey = *auditKey
	}
	if err := json.Unmarshal(payloadJSON, &ev.Values); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal extraction payload")
	}
	return &ev, nil
}

// Comparison results

func (s *PostgresStore) UpsertCompareResult(ctx context.Context, cr *model.CompareResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert compare")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE compare_results SET curr_rec_ind = false, rec_eff_end_dt = $1
		 WHERE pair_id = $2 AND left_extraction_id = $3 AND right_extraction_id = $4
		   AND model_name = $5 AND curr_rec_ind`,
		now, cr.PairID, cr.LeftExtractionID, cr.RightExtractionID, cr.ModelName,
	); err != nil {
		return eris.Wrap(err, "postgres: retire compare result")
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
		return eris.Wrap(err, "postgres: marshal compare reasons")
	}

	var numbersUsed []byte
	if len(cr.NumbersUsed) > 0 {
		numbersUsed = cr.NumbersUsed
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO compare_results (`+compareCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NULL, true)`,
		cr.ID, cr.PairID, cr.LeftExtractionID, cr.RightExtractionID, cr.LeftWidgetID, cr.RightWidgetID,
		string(cr.Mode), cr.ModelName, string(cr.Verdict), cr.Confidence, reasonsJSON,
		cr.Corr, cr.MAPE, cr.AlignedPoints, numbersUsed, cr.CreatedAt, cr.EffectiveStart,
	); err != nil {
		return eris.Wrap(err, "postgres: insert compare result")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert compare")
}

func (s *PostgresStore) ListCompareResults(ctx context.Context, filter CompareFilter) ([]model.CompareResult, error) {
	query := `SELECT ` + compareCols + ` FROM compare_results WHERE true`
	args := []any{}
	argIdx := 1

	if filter.PairID != "" {
		query += fmt.Sprintf(` AND pair_id = $%d`, argIdx)
		args = append(args, filter.PairID)
		argIdx++
	}
	if filter.Mode != "" {
		query += fmt.Sprintf(` AND compare_mode = $%d`, argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}
	if filter.CurrentOnly {
		query += ` AND curr_rec_ind`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list compare results")
	}
	defer rows.Close()

	var out []model.CompareResult
	for rows.Next() {
		cr, err := scanComparePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list compare results iterate")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, widget_id, session_id, image_key, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $5, error_type = $6, failed_phase = $7, retry_count = $8,
		   next_retry_at = $10, last_failed_at = $12`,
		entry.ID, entry.WidgetID, entry.SessionID, entry.ImageKey, entry.Error, entry.ErrorType,
		entry.FailedPhase, entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, widget_id, session_id, image_key, error, error_type, failed_phase,
	                 retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var failedPhase *string
		if err := rows.Scan(&e.ID, &e.WidgetID, &e.SessionID, &e.ImageKey, &e.Error, &e.ErrorType,
			&failedPhase, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if failedPhase != nil {
			e.FailedPhase = *failedPhase
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq_entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

// scan helpers

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanScreengrabPG(row pgx.Row) (*model.Screengrab, error) {
	var sg model.Screengrab
	var platform string
	var wrapperHost, reportName, reportSlug *string
	var endDt *time.Time

	err := row.Scan(&sg.ID, &sg.SessionID, &sg.URL, &platform, &sg.DetectedVia, &sg.PlatformConfidence,
		&sg.ContentHash, &sg.StorageBucket, &sg.StoragePathFull, &wrapperHost, &reportName, &reportSlug,
		&sg.CapturedAt, &sg.EffectiveStart, &endDt, &sg.Current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "screengrab")
		}
		return nil, eris.Wrap(err, "postgres: scan screengrab")
	}

	sg.Platform = model.Platform(platform)
	if wrapperHost != nil {
		sg.WrapperHost = *wrapperHost
	}
	if reportName != nil {
		sg.ReportName = *reportName
	}
	if reportSlug != nil {
		sg.ReportSlug = *reportSlug
	}
	sg.EffectiveEnd = endDt
	return &sg, nil
}

func scanWidgetPG(row pgx.Row) (*model.Widget, error) {
	var w model.Widget
	var kind, quality, stage string
	var title *string
	var reasonsJSON []byte
	var endDt *time.Time

	err := row.Scan(&w.ID, &w.ScreengrabID, &w.Index, &w.BBox.X, &w.BBox.Y, &w.BBox.W, &w.BBox.H,
		&kind, &title, &w.TitlePresent, &quality, &w.QualityScore, &reasonsJSON,
		&w.StorageBucket, &w.StoragePathCrop, &stage, &w.CapturedAt,
		&w.EffectiveStart, &endDt, &w.Current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "widget")
		}
		return nil, eris.Wrap(err, "postgres: scan widget")
	}

	w.SelectorKind = model.SelectorKind(kind)
	w.Quality = model.QualityLabel(quality)
	w.ExtractionStage = model.ExtractionStage(stage)
	if title != nil {
		w.Title = *title
	}
	if len(reasonsJSON) > 0 && string(reasonsJSON) != "null" {
		if err := json.Unmarshal(reasonsJSON, &w.QualityReasons); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal quality reasons")
		}
	}
	w.EffectiveEnd = endDt
	return &w, nil
}

func scanPairPG(row pgx.Row) (*model.PairMapping, error) {
	var pm model.PairMapping
	var status string
	var endDt *time.Time

	err := row.Scan(&pm.ID, &pm.WidgetIDLeft, &pm.WidgetIDRight, &pm.SessionIDLeft, &pm.SessionIDRight,
		&pm.PairNumber, &status, &pm.EffectiveStart, &endDt, &pm.Current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "pair_mapping")
		}
		return nil, eris.Wrap(err, "postgres: scan pair")
	}

	pm.Status = model.PairStatus(status)
	pm.EffectiveEnd = endDt
	return &pm, nil
}

func scanComparePG(row pgx.Row) (*model.CompareResult, error) {
	var cr model.CompareResult
	var mode, verdict string
	var reasonsJSON, numbersUsed []byte
	var corr, mape *float64
	var endDt *time.Time

	err := row.Scan(&cr.ID, &cr.PairID, &cr.LeftExtractionID, &cr.RightExtractionID,
		&cr.LeftWidgetID, &cr.RightWidgetID, &mode, &cr.ModelName, &verdict, &cr.Confidence,
		&reasonsJSON, &corr, &mape, &cr.AlignedPoints, &numbersUsed, &cr.CreatedAt,
		&cr.EffectiveStart, &endDt, &cr.Current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "compare_result")
		}
		return nil, eris.Wrap(err, "postgres: scan compare result")
	}

	cr.Mode = model.CompareMode(mode)
	cr.Verdict = model.CompareVerdict(verdict)
	if len(reasonsJSON) > 0 && string(reasonsJSON) != "null" {
		if err := json.Unmarshal(reasonsJSON, &cr.Reasons); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal compare reasons")
		}
	}
	cr.Corr = corr
	cr.MAPE = mape
	if len(numbersUsed) > 0 {
		cr.NumbersUsed = json.RawMessage(numbersUsed)
	}
	cr.EffectiveEnd = endDt
	return &cr, nil
}
