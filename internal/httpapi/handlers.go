package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-forms/internal/forms"
	"github.com/a3tai/mcp-pdf-forms/internal/jobs"
	"github.com/a3tai/mcp-pdf-forms/internal/store"
)

func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u store.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if u.Name == "" || u.Email == "" {
		badRequest(w, "name and email are required")
		return
	}
	if err := s.svc.CreateUser(r.Context(), &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	u, err := s.svc.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var u store.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if u.Name == "" || u.Email == "" {
		badRequest(w, "name and email are required")
		return
	}
	u.ID = id
	if err := s.svc.UpdateUser(r.Context(), &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "subjectID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	sub, err := s.svc.GetSubject(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "subjectID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.svc.DeleteSubject(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSubject(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var sub store.Subject
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if sub.Name == "" {
		badRequest(w, "name is required")
		return
	}
	sub.UserID = userID
	if err := s.svc.CreateSubject(r.Context(), &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	subjects, err := s.svc.ListSubjects(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if subjects == nil {
		subjects = []store.Subject{}
	}
	writeJSON(w, http.StatusOK, subjects)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	docs, err := s.svc.ListDocuments(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleUpload accepts a multipart form with a "file" part and a "user_id" field
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.svc.GetMaxFileSize()+uploadSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, forms.ErrFileTooLarge)
			return
		}
		badRequest(w, "expected a multipart form")
		return
	}

	userID, err := strconv.ParseInt(r.FormValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		badRequest(w, "invalid user_id")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		badRequest(w, "failed to read file")
		return
	}

	doc, err := s.svc.UploadDocument(r.Context(), forms.UploadRequest{
		UserID:   userID,
		Filename: header.Filename,
		Data:     data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.GetDocument(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteDocument(r.Context(), chi.URLParam(r, "documentID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignSubject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID int64 `json:"subject_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID <= 0 {
		badRequest(w, "subject_id is required")
		return
	}
	documentID := chi.URLParam(r, "documentID")
	if err := s.svc.AssignSubject(r.Context(), documentID, req.SubjectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.svc.GetDocument(r.Context(), documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Regions(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	if err := s.svc.StartTransformation(r.Context(), documentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, forms.JobStatus{DocumentID: documentID, Status: jobs.Running})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleArtifact serves the stored form as HTML, or as JSON with ?format=json
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.svc.Artifact(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, art)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, art.Markup)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	req := forms.RegenerateRequest{DocumentID: chi.URLParam(r, "documentID")}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(w, "invalid request body")
			return
		}
		req.DocumentID = chi.URLParam(r, "documentID")
	}

	art, err := s.svc.Regenerate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

// handleSubmit fills the document with a submitted form. The body is a flat
// JSON object or a url-encoded/multipart form; subject and actor come from
// the query string. The filled PDF is returned.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	values, err := submittedValues(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	q := r.URL.Query()
	res, err := s.svc.Fill(r.Context(), forms.FillRequest{
		DocumentID: chi.URLParam(r, "documentID"),
		Subject:    q.Get("subject"),
		Actor:      q.Get("actor"),
		Values:     values,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if len(res.Report.Ignored) > 0 {
		s.log.Info("submitted keys matched no field", zap.Strings("keys", res.Report.Ignored))
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Document)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Document)
}

func submittedValues(r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, errors.New("invalid JSON body")
		}
		values := make(map[string]string, len(raw))
		for k, v := range raw {
			switch v := v.(type) {
			case string:
				values[k] = v
			case float64:
				values[k] = strconv.FormatFloat(v, 'f', -1, 64)
			case bool:
				values[k] = strconv.FormatBool(v)
			case nil:
				values[k] = ""
			default:
				return nil, fmt.Errorf("value of %q must be a scalar", k)
			}
		}
		return values, nil
	}

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, errors.New("invalid form body")
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, errors.New("invalid form body")
	}

	values := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	return values, nil
}
