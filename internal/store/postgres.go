package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"concord/api/internal/annotation"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ownerColumns splits a participant into the (owner, role) key columns of annotation_views.
func ownerColumns(p annotation.Participant) (string, string) {
	if role, ok := p.Role(); ok {
		return "", string(role)
	}
	name, _ := p.Name()
	return name, ""
}

func (s *PostgresStore) InsertProject(ctx context.Context, project annotation.Project) error {
	mode := project.Mode
	if mode == "" {
		mode = annotation.ModeAnnotation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, mode)
		VALUES ($1, $2, $3)
	`, project.ID, project.Name, string(mode))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (annotation.Project, error) {
	var project annotation.Project
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, mode FROM projects WHERE id=$1`, projectID).Scan(&project.ID, &project.Name, &mode)
	if err != nil {
		return annotation.Project{}, fmt.Errorf("get project %s: %w", projectID, err)
	}
	project.Mode = annotation.ProjectMode(mode)
	return project, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]annotation.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, mode FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]annotation.Project, 0)
	for rows.Next() {
		var item annotation.Project
		var mode string
		if err := rows.Scan(&item.ID, &item.Name, &mode); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		item.Mode = annotation.ProjectMode(mode)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// InsertDocument stores a source document. initial may be nil; it seeds every annotator's first view.
func (s *PostgresStore) InsertDocument(ctx context.Context, doc annotation.SourceDocument, initial *annotation.View) error {
	var payload []byte
	if initial != nil {
		data, err := json.Marshal(initial)
		if err != nil {
			return fmt.Errorf("encode initial view: %w", err)
		}
		payload = data
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_documents (id, project_id, name, text, initial_view)
		VALUES ($1, $2, $3, $4, $5)
	`, doc.ID, doc.ProjectID, doc.Name, doc.Text, nullJSON(payload))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, projectID, documentID string) (annotation.SourceDocument, error) {
	var doc annotation.SourceDocument
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, text
		FROM source_documents
		WHERE project_id=$1 AND id=$2
	`, projectID, documentID).Scan(&doc.ID, &doc.ProjectID, &doc.Name, &doc.Text)
	if err != nil {
		return annotation.SourceDocument{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, projectID string) ([]annotation.SourceDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, text
		FROM source_documents
		WHERE project_id=$1
		ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]annotation.SourceDocument, 0)
	for rows.Next() {
		var item annotation.SourceDocument
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Text); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) FinishedAnnotators(ctx context.Context, documentID string) ([]string, error) {
	return s.usernames(ctx, `
		SELECT username FROM annotation_documents
		WHERE document_id=$1 AND state='FINISHED'
		ORDER BY username
	`, documentID)
}

// ProjectAnnotators lists every user with an annotation document in the project, ignored ones excluded.
func (s *PostgresStore) ProjectAnnotators(ctx context.Context, projectID string) ([]string, error) {
	return s.usernames(ctx, `
		SELECT DISTINCT ad.username
		FROM annotation_documents ad
		JOIN source_documents sd ON sd.id = ad.document_id
		WHERE sd.project_id=$1 AND ad.state <> 'IGNORE'
		ORDER BY ad.username
	`, projectID)
}

func (s *PostgresStore) usernames(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list annotators: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan annotator: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotators: %w", err)
	}
	return names, nil
}

// SaveAnnotatorView stores a user's view and the state of their annotation document.
func (s *PostgresStore) SaveAnnotatorView(ctx context.Context, username string, state annotation.DocumentState, view *annotation.View) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save view tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotation_documents (document_id, username, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, username) DO UPDATE SET state=EXCLUDED.state, updated_at=NOW()
	`, view.DocumentID, username, string(state)); err != nil {
		return fmt.Errorf("upsert annotation document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotation_views (document_id, owner, role, view, schema_version)
		VALUES ($1, $2, '', $3, $4)
		ON CONFLICT (document_id, owner, role) DO UPDATE SET view=EXCLUDED.view, schema_version=EXCLUDED.schema_version, updated_at=NOW()
	`, view.DocumentID, username, payload, view.SchemaVersion); err != nil {
		return fmt.Errorf("upsert view: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save view: %w", err)
	}
	return nil
}

// SaveSyntheticView replaces the view owned by a synthetic role, such as the correction seed.
func (s *PostgresStore) SaveSyntheticView(ctx context.Context, view *annotation.View) error {
	role, ok := view.Owner.Role()
	if !ok {
		return fmt.Errorf("save synthetic view: owner %s is an annotator", view.Owner)
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotation_views (document_id, owner, role, view, schema_version)
		VALUES ($1, '', $2, $3, $4)
		ON CONFLICT (document_id, owner, role) DO UPDATE SET view=EXCLUDED.view, schema_version=EXCLUDED.schema_version, updated_at=NOW()
	`, view.DocumentID, string(role), payload, view.SchemaVersion)
	if err != nil {
		return fmt.Errorf("save synthetic view: %w", err)
	}
	return nil
}

// PersistCuratedView stores the first curated view of a document and never overwrites it.
func (s *PostgresStore) PersistCuratedView(ctx context.Context, view *annotation.View) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode curated view: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_views (document_id, owner, role, view, schema_version)
		VALUES ($1, '', $2, $3, $4)
		ON CONFLICT (document_id, owner, role) DO NOTHING
	`, view.DocumentID, string(annotation.RoleCuration), payload, view.SchemaVersion)
	if err != nil {
		return fmt.Errorf("persist curated view: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist curated view: %w", err)
	}
	if affected == 0 {
		return annotation.ErrViewExists
	}
	return nil
}

// ExistsView reports a stored view. Annotator views count only once the annotation document is finished.
func (s *PostgresStore) ExistsView(ctx context.Context, documentID string, owner annotation.Participant) (bool, error) {
	name, role := ownerColumns(owner)
	var exists bool
	var err error
	if owner.IsSynthetic() {
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM annotation_views WHERE document_id=$1 AND owner='' AND role=$2)
		`, documentID, role).Scan(&exists)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1
				FROM annotation_views av
				JOIN annotation_documents ad ON ad.document_id = av.document_id AND ad.username = av.owner
				WHERE av.document_id=$1 AND av.owner=$2 AND av.role='' AND ad.state='FINISHED'
			)
		`, documentID, name).Scan(&exists)
	}
	if err != nil {
		return false, fmt.Errorf("check view: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) LoadView(ctx context.Context, documentID string, owner annotation.Participant) (*annotation.View, error) {
	name, role := ownerColumns(owner)
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT view FROM annotation_views WHERE document_id=$1 AND owner=$2 AND role=$3
	`, documentID, name, role).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("load view: %w", err)
	}
	var view annotation.View
	if err := json.Unmarshal(payload, &view); err != nil {
		return nil, err
	}
	view.Owner = owner
	return &view, nil
}

// CreateInitialView decodes the document's stored initial view, or starts an empty one.
func (s *PostgresStore) CreateInitialView(ctx context.Context, doc annotation.SourceDocument) (*annotation.View, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT initial_view FROM source_documents WHERE id=$1`, doc.ID).Scan(&payload)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read initial view: %w", err)
	}
	if len(payload) == 0 {
		return annotation.NewView(doc, annotation.Participant{}), nil
	}
	var view annotation.View
	if err := json.Unmarshal(payload, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// ReportRecord is a finished agreement report row.
type ReportRecord struct {
	ID        string
	ProjectID string
	Mode      string
	Measure   string
	Cancelled bool
	Report    json.RawMessage
	ObjectKey string
	CreatedBy string
	CreatedAt time.Time
}

func (s *PostgresStore) InsertReport(ctx context.Context, record ReportRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agreement_reports (id, project_id, mode, measure, cancelled, report, object_key, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.ProjectID, record.Mode, record.Measure, record.Cancelled, []byte(record.Report), record.ObjectKey, record.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetReportObjectKey(ctx context.Context, reportID, objectKey string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agreement_reports SET object_key=$2 WHERE id=$1`, reportID, objectKey)
	if err != nil {
		return fmt.Errorf("update report object key: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (ReportRecord, error) {
	var record ReportRecord
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, mode, measure, cancelled, report, object_key, created_by, created_at
		FROM agreement_reports WHERE id=$1
	`, reportID).Scan(&record.ID, &record.ProjectID, &record.Mode, &record.Measure, &record.Cancelled, &payload, &record.ObjectKey, &record.CreatedBy, &record.CreatedAt)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("get report %s: %w", reportID, err)
	}
	record.Report = payload
	return record, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, projectID string, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, mode, measure, cancelled, object_key, created_by, created_at
		FROM agreement_reports
		WHERE project_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]ReportRecord, 0)
	for rows.Next() {
		var item ReportRecord
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Mode, &item.Measure, &item.Cancelled, &item.ObjectKey, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}
