package forms

import (
	"github.com/a3tai/mcp-pdf-forms/internal/index"
	"github.com/a3tai/mcp-pdf-forms/internal/jobs"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/fill"
)

// UploadRequest represents a new document upload
type UploadRequest struct {
	UserID   int64  `json:"user_id"`
	Filename string `json:"filename"`
	Data     []byte `json:"-"`
}

// RegionsResult is the indexed region table of a document
type RegionsResult struct {
	DocumentID   string                `json:"document_id"`
	IndexVersion int                   `json:"index_version"`
	Fingerprint  string                `json:"fingerprint"`
	Regions      []index.IndexedRegion `json:"regions"`
	Instructions string                `json:"instructions"`
}

// JobStatus is what a poller learns about a document's transformation
type JobStatus struct {
	DocumentID  string      `json:"document_id"`
	Status      jobs.Status `json:"status"`
	HasArtifact bool        `json:"has_artifact"`
}

// FillRequest represents a submission of indexed values
type FillRequest struct {
	DocumentID string            `json:"document_id"`
	Subject    string            `json:"subject,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Values     map[string]string `json:"values"`
}

// FillResult is a filled copy of a document
type FillResult struct {
	Filename string       `json:"filename"`
	Document []byte       `json:"-"`
	Report   *fill.Result `json:"report"`
}

// RegenerateRequest asks for the stored artifact to be personalized for a subject.
// A zero SubjectID uses the subject assigned to the document.
type RegenerateRequest struct {
	DocumentID string `json:"document_id"`
	SubjectID  int64  `json:"subject_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
}
