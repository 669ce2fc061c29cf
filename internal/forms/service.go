// Package forms orchestrates document storage, indexing, the transformation
// pipeline and fill-back behind one service used by the HTTP and MCP surfaces.
package forms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-forms/internal/index"
	"github.com/a3tai/mcp-pdf-forms/internal/jobs"
	"github.com/a3tai/mcp-pdf-forms/internal/lock"
	pdferrors "github.com/a3tai/mcp-pdf-forms/internal/pdf/errors"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/extraction"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/fill"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/security"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/text"
	"github.com/a3tai/mcp-pdf-forms/internal/pipeline"
	"github.com/a3tai/mcp-pdf-forms/internal/store"
)

var (
	// ErrStaleIndex means the stored artifact was generated against a
	// different index than the one recomputed from the document today
	ErrStaleIndex = errors.New("artifact was generated against a different index")
	// ErrFileTooLarge is returned for uploads above the configured limit
	ErrFileTooLarge = errors.New("file exceeds the maximum size")
	// ErrEmptyUpload is returned for uploads without content
	ErrEmptyUpload = errors.New("uploaded file is empty")
)

const filePerm = 0o600

// Options configures a Service
type Options struct {
	StorageDir  string
	MaxFileSize int64
	// SubmitURL returns the URL the generated form of a document posts to
	SubmitURL func(documentID string) string
}

// Service handles document operations by orchestrating the forms components
type Service struct {
	base      context.Context
	store     *store.Store
	paths     *security.PathValidator
	extractor *extraction.Extractor
	text      *text.Reader
	pipeline  *pipeline.Pipeline
	writer    *fill.Writer
	jobs      *jobs.Tracker
	locks     *lock.Table
	opts      Options
	wg        sync.WaitGroup
	log       *zap.Logger
}

// NewService creates a service. Background transformations are cancelled
// when base is done.
func NewService(base context.Context, st *store.Store, p *pipeline.Pipeline, opts Options, log *zap.Logger) (*Service, error) {
	if st == nil || p == nil {
		return nil, errors.New("store and pipeline are required")
	}
	if opts.SubmitURL == nil {
		return nil, errors.New("submit URL function is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	paths, err := security.NewPathValidator(opts.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create path validator: %w", err)
	}

	return &Service{
		base:      base,
		store:     st,
		paths:     paths,
		extractor: extraction.NewExtractor(log),
		text:      text.NewReader(0),
		pipeline:  p,
		writer:    fill.NewWriter(log),
		jobs:      jobs.NewTracker(),
		locks:     lock.NewTable(),
		opts:      opts,
		log:       log.Named("forms"),
	}, nil
}

// Wait blocks until every background transformation has returned
func (s *Service) Wait() {
	s.wg.Wait()
}

// GetMaxFileSize returns the maximum upload size
func (s *Service) GetMaxFileSize() int64 {
	return s.opts.MaxFileSize
}

// CreateUser registers a user
func (s *Service) CreateUser(ctx context.Context, u *store.User) error {
	return s.store.CreateUser(ctx, u)
}

// GetUser loads a user
func (s *Service) GetUser(ctx context.Context, id int64) (*store.User, error) {
	return s.store.GetUser(ctx, id)
}

// UpdateUser overwrites a user's profile
func (s *Service) UpdateUser(ctx context.Context, u *store.User) error {
	return s.store.UpdateUser(ctx, u)
}

// CreateSubject registers a subject for a user
func (s *Service) CreateSubject(ctx context.Context, sub *store.Subject) error {
	return s.store.CreateSubject(ctx, sub)
}

// GetSubject loads a subject
func (s *Service) GetSubject(ctx context.Context, id int64) (*store.Subject, error) {
	return s.store.GetSubject(ctx, id)
}

// ListSubjects lists a user's subjects
func (s *Service) ListSubjects(ctx context.Context, userID int64) ([]store.Subject, error) {
	return s.store.ListSubjects(ctx, userID)
}

// DeleteSubject removes a subject; its documents become unassigned
func (s *Service) DeleteSubject(ctx context.Context, id int64) error {
	if err := s.store.DeleteSubject(ctx, id); err != nil {
		return err
	}
	s.log.Info("subject deleted", zap.Int64("subject_id", id))
	return nil
}

// GetDocument loads a document record
func (s *Service) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	return s.store.GetDocument(ctx, id)
}

// ListDocuments lists a user's documents
func (s *Service) ListDocuments(ctx context.Context, userID int64) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, userID)
}

// AssignSubject links a document to a subject
func (s *Service) AssignSubject(ctx context.Context, documentID string, subjectID int64) error {
	return s.store.AssignSubject(ctx, documentID, subjectID)
}

// UploadDocument stores a PDF for a user. Documents without input regions
// are kept but marked not fillable; unreadable files are rejected.
func (s *Service) UploadDocument(ctx context.Context, req UploadRequest) (*store.Document, error) {
	if len(req.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	if s.opts.MaxFileSize > 0 && int64(len(req.Data)) > s.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(req.Data), s.opts.MaxFileSize)
	}
	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	regions, err := s.extractor.ExtractReader(bytes.NewReader(req.Data))
	fillable := err == nil
	if err != nil && !errors.Is(err, pdferrors.ErrMalformedDocument) {
		return nil, err
	}

	id := uuid.NewString()
	name := id + ".pdf"
	path, err := s.paths.Resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, req.Data, filePerm); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	doc := &store.Document{
		ID:               id,
		UserID:           req.UserID,
		Filename:         name,
		OriginalFilename: security.SanitizeFilename(req.Filename),
		Path:             path,
		Fillable:         fillable,
		RegionCount:      len(regions),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.log.Warn("failed to remove orphaned document file", zap.String("path", path), zap.Error(rmErr))
		}
		return nil, err
	}

	s.log.Info("document uploaded",
		zap.String("document_id", id),
		zap.Int64("user_id", req.UserID),
		zap.Bool("fillable", fillable),
		zap.Int("regions", len(regions)))
	return doc, nil
}

// DeleteDocument removes a document and its file. A document whose
// transformation is running cannot be deleted.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if s.jobs.Active(id) {
		return fmt.Errorf("document %s: %w", id, jobs.ErrAlreadyRunning)
	}
	doc, err := s.store.DeleteDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := s.paths.ValidatePath(doc.Path); err != nil {
		return fmt.Errorf("security validation failed: %w", err)
	}
	if err := os.Remove(doc.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove document file: %w", err)
	}
	return nil
}

// source is a document read from storage together with its recomputed index
type source struct {
	doc    *store.Document
	data   []byte
	mapper *index.Mapper
}

func (s *Service) load(ctx context.Context, documentID string) (*source, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.paths.ValidatePath(doc.Path); err != nil {
		return nil, fmt.Errorf("security validation failed: %w", err)
	}
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeUnreadableDocument, err).WithFile(doc.Path)
	}

	regions, err := s.extractor.ExtractReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	mapper, err := index.Build(regions)
	if err != nil {
		return nil, err
	}
	return &source{doc: doc, data: data, mapper: mapper}, nil
}

// Regions returns the indexed region table of a document
func (s *Service) Regions(ctx context.Context, documentID string) (*RegionsResult, error) {
	src, err := s.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &RegionsResult{
		DocumentID:   documentID,
		IndexVersion: index.Version,
		Fingerprint:  src.mapper.Fingerprint(),
		Regions:      src.mapper.Regions(),
		Instructions: src.mapper.Instructions(),
	}, nil
}

// StartTransformation validates the document and runs the pipeline in the
// background. The run outlives ctx but not the service's base context.
func (s *Service) StartTransformation(ctx context.Context, documentID string) error {
	src, err := s.load(ctx, documentID)
	if err != nil {
		s.log.Warn("transformation not started", zap.String("document_id", documentID), zap.Error(err))
		return err
	}

	documentText, err := s.text.Read(src.data)
	if err != nil {
		s.log.Warn("page text unavailable", zap.String("document_id", documentID), zap.Error(err))
	}

	if err := s.jobs.Start(documentID); err != nil {
		return fmt.Errorf("document %s: %w", documentID, err)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.base, cancel)

	in := pipeline.Input{
		DocumentID:   documentID,
		Document:     src.data,
		DocumentText: documentText,
		Mapper:       src.mapper,
		SubmitURL:    s.opts.SubmitURL(documentID),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		defer s.finish(documentID)

		saved := false
		defer func() {
			if !saved {
				s.discardArtifact(context.WithoutCancel(jobCtx), documentID)
			}
		}()
		saved = s.transform(jobCtx, in) == nil
	}()

	s.log.Info("transformation started", zap.String("document_id", documentID), zap.Int("regions", src.mapper.Len()))
	return nil
}

func (s *Service) transform(ctx context.Context, in pipeline.Input) error {
	log := s.log.With(zap.String("document_id", in.DocumentID))

	res, err := s.pipeline.Run(ctx, in)
	if err != nil {
		log.Error("transformation failed", zap.Error(err))
		return err
	}

	if err := s.store.SaveArtifact(ctx, in.DocumentID, res.Artifact, index.Version, in.Mapper.Fingerprint()); err != nil {
		log.Error("failed to persist artifact", zap.Error(err))
		return err
	}
	log.Info("transformation finished", zap.Int("ids", len(res.IDs)), zap.Int("chars", len(res.Artifact)))
	return nil
}

// discardArtifact drops the artifact of an earlier run once a rerun has
// failed, so the run reads as done without an artifact
func (s *Service) discardArtifact(ctx context.Context, documentID string) {
	if err := s.store.ClearArtifact(ctx, documentID); err != nil {
		s.log.Error("failed to clear artifact", zap.String("document_id", documentID), zap.Error(err))
	}
}

// finish marks the job done on every exit path of a background run
func (s *Service) finish(documentID string) {
	if r := recover(); r != nil {
		s.log.Error("transformation panicked", zap.String("document_id", documentID), zap.Any("panic", r))
	}
	if err := s.jobs.Finish(documentID); err != nil {
		s.log.Error("failed to finish job", zap.String("document_id", documentID), zap.Error(err))
	}
}

// Status polls a document's transformation. Once the tracker has forgotten
// the job the answer falls back to whether an artifact is stored.
func (s *Service) Status(ctx context.Context, documentID string) (*JobStatus, error) {
	st := &JobStatus{DocumentID: documentID, Status: s.jobs.Poll(documentID)}
	if st.Status == jobs.Running {
		return st, nil
	}

	_, err := s.store.LoadArtifact(ctx, documentID)
	switch {
	case err == nil:
		st.HasArtifact = true
		st.Status = jobs.Done
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return st, nil
}

// Artifact returns the stored final markup of a document
func (s *Service) Artifact(ctx context.Context, documentID string) (*store.Artifact, error) {
	return s.store.LoadArtifact(ctx, documentID)
}

// Fill writes submitted values into a copy of the document. Only one fill
// or regeneration per document, subject and actor runs at a time.
func (s *Service) Fill(ctx context.Context, req FillRequest) (*FillResult, error) {
	key, doc, err := s.lockKey(ctx, req.DocumentID, req.Subject, req.Actor)
	if err != nil {
		return nil, err
	}

	var out *FillResult
	err = s.locks.Do(key, func() error {
		if err := s.paths.ValidatePath(doc.Path); err != nil {
			return fmt.Errorf("security validation failed: %w", err)
		}
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return pdferrors.Wrap(pdferrors.ErrorTypeUnreadableDocument, err).WithFile(doc.Path)
		}

		var opts []fill.Option
		art, err := s.store.LoadArtifact(ctx, req.DocumentID)
		switch {
		case err == nil:
			if art.IndexVersion != index.Version {
				return fmt.Errorf("%w: artifact index version %d, current %d", ErrStaleIndex, art.IndexVersion, index.Version)
			}
			opts = append(opts, fill.WithFingerprint(art.IndexFingerprint))
		case errors.Is(err, store.ErrNotFound):
		default:
			return err
		}

		var buf bytes.Buffer
		report, err := s.writer.Fill(bytes.NewReader(data), req.Values, &buf, opts...)
		if errors.Is(err, fill.ErrFingerprintMismatch) {
			return fmt.Errorf("%w: %v", ErrStaleIndex, err)
		}
		if err != nil {
			return err
		}

		out = &FillResult{
			Filename: filledName(doc),
			Document: buf.Bytes(),
			Report:   report,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("document filled",
		zap.String("document_id", req.DocumentID),
		zap.Int("applied", len(out.Report.Applied)),
		zap.Strings("passed_through", out.Report.PassedThrough))
	return out, nil
}

func filledName(doc *store.Document) string {
	name := doc.OriginalFilename
	if name == "" {
		name = doc.Filename
	}
	return "filled-" + name
}

// Regenerate personalizes the stored artifact with a subject's context and
// replaces it. It refuses to run alongside a transformation of the same document.
func (s *Service) Regenerate(ctx context.Context, req RegenerateRequest) (*store.Artifact, error) {
	var subject string
	if req.SubjectID != 0 {
		subject = strconv.FormatInt(req.SubjectID, 10)
	}
	key, doc, err := s.lockKey(ctx, req.DocumentID, subject, req.Actor)
	if err != nil {
		return nil, err
	}
	subjectID := req.SubjectID
	if subjectID == 0 && doc.SubjectID != nil {
		subjectID = *doc.SubjectID
	}

	var out *store.Artifact
	err = s.locks.Do(key, func() error {
		if s.jobs.Active(req.DocumentID) {
			return fmt.Errorf("document %s: %w", req.DocumentID, jobs.ErrAlreadyRunning)
		}

		src, err := s.load(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		current, err := s.store.LoadArtifact(ctx, req.DocumentID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("document %s: %w", req.DocumentID, pipeline.ErrNothingToRegenerate)
		}
		if err != nil {
			return err
		}
		if current.IndexVersion != index.Version || current.IndexFingerprint != src.mapper.Fingerprint() {
			return fmt.Errorf("document %s: %w", req.DocumentID, ErrStaleIndex)
		}

		subject, err := s.subjectContext(ctx, subjectID)
		if err != nil {
			return err
		}

		markup, err := s.pipeline.Enhance(ctx, pipeline.EnhanceInput{
			DocumentID:     req.DocumentID,
			Artifact:       current.Markup,
			SubjectContext: subject,
			SubmitURL:      s.opts.SubmitURL(req.DocumentID),
		})
		if err != nil {
			return err
		}

		if err := s.store.SaveArtifact(ctx, req.DocumentID, markup, index.Version, src.mapper.Fingerprint()); err != nil {
			return err
		}
		out, err = s.store.LoadArtifact(ctx, req.DocumentID)
		return err
	})
	if err != nil {
		s.log.Warn("regeneration failed", zap.String("document_id", req.DocumentID), zap.Error(err))
		return nil, err
	}

	s.log.Info("artifact regenerated", zap.String("document_id", req.DocumentID), zap.Int64("subject_id", subjectID))
	return out, nil
}

// lockKey derives the key fills and regenerations serialize on. Without an
// explicit subject the document's assigned subject stands in, so both
// operations contend for the same key.
func (s *Service) lockKey(ctx context.Context, documentID, subject, actor string) (lock.Key, *store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return lock.Key{}, nil, err
	}
	if subject == "" && doc.SubjectID != nil {
		subject = strconv.FormatInt(*doc.SubjectID, 10)
	}
	return lock.Key{Document: documentID, Subject: subject, Actor: actor}, doc, nil
}

func (s *Service) subjectContext(ctx context.Context, subjectID int64) (map[string]any, error) {
	data := map[string]any{}
	if subjectID == 0 {
		return data, nil
	}
	sub, err := s.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	for k, v := range sub.Context {
		data[k] = v
	}
	if _, ok := data["name"]; !ok {
		data["name"] = sub.Name
	}
	return data, nil
}
