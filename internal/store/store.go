package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store is the persistence collaborator of the forms service
type Store struct {
	db *sql.DB
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// User owns documents and subjects
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Title        string    `json:"title,omitempty"`
	Organization string    `json:"organization,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subject is the person a document is filled for. Context is free-form data
// used to prefill regenerated artifacts.
type Subject struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"user_id"`
	Name      string         `json:"name"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Document is an uploaded fillable PDF
type Document struct {
	ID               string    `json:"id"`
	UserID           int64     `json:"user_id"`
	SubjectID        *int64    `json:"subject_id,omitempty"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	Path             string    `json:"-"`
	Fillable         bool      `json:"fillable"`
	RegionCount      int       `json:"region_count"`
	HasArtifact      bool      `json:"has_artifact"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

// Artifact is the persisted final markup of a document with the index it was built against
type Artifact struct {
	DocumentID       string    `json:"document_id"`
	Markup           string    `json:"markup"`
	IndexVersion     int       `json:"index_version"`
	IndexFingerprint string    `json:"index_fingerprint"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateUser inserts u and sets its ID and CreatedAt
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, title, organization, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.Name, u.Email, u.Title, u.Organization, u.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// GetUser loads a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var (
		u       User
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, title, organization, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Title, &u.Organization, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

// UpdateUser overwrites the profile fields of an existing user
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, email = ?, title = ?, organization = ? WHERE id = ?`,
		u.Name, u.Email, u.Title, u.Organization, u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
		}
		return fmt.Errorf("update user: %w", err)
	}
	if err := expectRow(res, "user", u.ID); err != nil {
		return err
	}

	stored, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return err
	}
	u.CreatedAt = stored.CreatedAt
	return nil
}

// CreateSubject inserts sub for its user
func (s *Store) CreateSubject(ctx context.Context, sub *Subject) error {
	if _, err := s.GetUser(ctx, sub.UserID); err != nil {
		return err
	}
	contextJSON, err := json.Marshal(sub.Context)
	if err != nil {
		return fmt.Errorf("encode subject context: %w", err)
	}
	if sub.Context == nil {
		contextJSON = []byte("{}")
	}

	sub.CreatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (user_id, name, context, created_at) VALUES (?, ?, ?, ?)`,
		sub.UserID, sub.Name, string(contextJSON), sub.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	sub.ID, err = res.LastInsertId()
	return err
}

// GetSubject loads a subject by id
func (s *Store) GetSubject(ctx context.Context, id int64) (*Subject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, context, created_at FROM subjects WHERE id = ?`, id)
	sub, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return sub, nil
}

// ListSubjects returns the subjects of a user by name
func (s *Store) ListSubjects(ctx context.Context, userID int64) ([]Subject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, context, created_at FROM subjects WHERE user_id = ? ORDER BY name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var out []Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// DeleteSubject removes a subject. Documents assigned to it keep their
// artifacts and lose the assignment.
func (s *Store) DeleteSubject(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET subject_id = NULL WHERE subject_id = ?`, id); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subjects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	if err := expectRow(res, "subject", id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubject(row scanner) (*Subject, error) {
	var (
		sub         Subject
		contextJSON string
		created     int64
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.Name, &contextJSON, &created); err != nil {
		return nil, err
	}
	if contextJSON != "" && contextJSON != "{}" && contextJSON != "null" {
		if err := json.Unmarshal([]byte(contextJSON), &sub.Context); err != nil {
			return nil, fmt.Errorf("decode subject context: %w", err)
		}
	}
	sub.CreatedAt = time.Unix(created, 0).UTC()
	return &sub, nil
}

// CreateDocument inserts d. d.ID must be set.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	if d.ID == "" {
		return fmt.Errorf("create document: id is required")
	}
	if d.UploadedAt.IsZero() {
		d.UploadedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, subject_id, filename, original_filename, path, fillable, region_count, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, nullableID(d.SubjectID), d.Filename, d.OriginalFilename, d.Path,
		d.Fillable, d.RegionCount, d.UploadedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("document %s: %w", d.ID, ErrConflict)
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

const documentColumns = `id, user_id, subject_id, filename, original_filename, path, fillable, region_count,
	artifact IS NOT NULL, uploaded_at`

func scanDocument(row scanner) (*Document, error) {
	var (
		d        Document
		subject  sql.NullInt64
		uploaded int64
	)
	if err := row.Scan(&d.ID, &d.UserID, &subject, &d.Filename, &d.OriginalFilename, &d.Path,
		&d.Fillable, &d.RegionCount, &d.HasArtifact, &uploaded); err != nil {
		return nil, err
	}
	if subject.Valid {
		id := subject.Int64
		d.SubjectID = &id
	}
	d.UploadedAt = time.Unix(uploaded, 0).UTC()
	return &d, nil
}

// GetDocument loads a document by id
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// ListDocuments returns a user's documents, newest first
func (s *Store) ListDocuments(ctx context.Context, userID int64) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE user_id = ? ORDER BY uploaded_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// AssignSubject links a document to a subject of the same user
func (s *Store) AssignSubject(ctx context.Context, documentID string, subjectID int64) error {
	d, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	sub, err := s.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	if sub.UserID != d.UserID {
		return fmt.Errorf("subject %d belongs to another user: %w", subjectID, ErrNotFound)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE documents SET subject_id = ? WHERE id = ?`, subjectID, documentID)
	if err != nil {
		return fmt.Errorf("assign subject: %w", err)
	}
	return nil
}

// DeleteDocument removes a document record and returns it so the caller can remove the file
func (s *Store) DeleteDocument(ctx context.Context, id string) (*Document, error) {
	d, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	return d, nil
}

// SaveArtifact replaces the document's artifact wholesale
func (s *Store) SaveArtifact(ctx context.Context, documentID, markup string, indexVersion int, fingerprint string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET artifact = ?, index_version = ?, index_fingerprint = ?, artifact_updated_at = ? WHERE id = ?`,
		markup, indexVersion, fingerprint, time.Now().UTC().Unix(), documentID)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

// ClearArtifact drops the document's artifact so a failed run leaves
// nothing behind
func (s *Store) ClearArtifact(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET artifact = NULL, index_version = NULL, index_fingerprint = NULL, artifact_updated_at = NULL WHERE id = ?`,
		documentID)
	if err != nil {
		return fmt.Errorf("clear artifact: %w", err)
	}
	return expectRow(res, "document", documentID)
}

// LoadArtifact returns the document's artifact, or ErrNotFound when the
// document has none
func (s *Store) LoadArtifact(ctx context.Context, documentID string) (*Artifact, error) {
	var (
		markup      sql.NullString
		version     sql.NullInt64
		fingerprint sql.NullString
		updated     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT artifact, index_version, index_fingerprint, artifact_updated_at FROM documents WHERE id = ?`, documentID).
		Scan(&markup, &version, &fingerprint, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	if !markup.Valid {
		return nil, fmt.Errorf("artifact for %s: %w", documentID, ErrNotFound)
	}

	return &Artifact{
		DocumentID:       documentID,
		Markup:           markup.String,
		IndexVersion:     int(version.Int64),
		IndexFingerprint: fingerprint.String,
		UpdatedAt:        time.Unix(updated.Int64, 0).UTC(),
	}, nil
}

func expectRow(res sql.Result, kind string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %v: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
