package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/a3tai/mcp-pdf-forms/internal/artifact"
	"github.com/a3tai/mcp-pdf-forms/internal/index"
	"github.com/a3tai/mcp-pdf-forms/internal/oracle"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/extraction"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/pdftest"
)

const submitURL = "/api/documents/doc-1/submit"

// padding keeps fake artifacts above the minimum artifact length
var padding = "<p>" + strings.Repeat("Please answer every question. ", 4) + "</p>"

func scenarioMapper(t *testing.T) *index.Mapper {
	t.Helper()
	regions, err := extraction.NewExtractor(nil).ExtractReader(bytes.NewReader(pdftest.Scenario()))
	require.NoError(t, err)
	m, err := index.Build(regions)
	require.NoError(t, err)
	return m
}

// scriptedOracle answers each stage from a table and records the requests it saw
type scriptedOracle struct {
	mu       sync.Mutex
	answers  map[string]string
	errs     map[string]error
	requests []oracle.Request
}

func (o *scriptedOracle) Generate(_ context.Context, req oracle.Request) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if err := o.errs[req.Stage]; err != nil {
		return "", err
	}
	return o.answers[req.Stage], nil
}

func (o *scriptedOracle) stages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.requests))
	for i, r := range o.requests {
		out[i] = r.Stage
	}
	return out
}

func happyOracle() *scriptedOracle {
	return &scriptedOracle{answers: map[string]string{
		"generate": "Here is the form:\n```html\n<html><body>" + padding +
			`<input id="1" name="1"><input id="2" name="2"><input id="3" name="3">` +
			"</body></html>\n```",
		"refine": "```\n<html><body><h2>About you</h2>" + padding +
			`<label>Name <input id="1" name="1"></label><input id="2" name="2"><input id="3" name="3">` +
			"</body></html>\n```",
		"restyle": "Sure! <html lang=\"en\"><body>" + padding +
			`<div id="progressBar"></div><form id="typeform" action="` + submitURL + `" method="post">` +
			`<input id="1" name="1"><input id="2" name="2"><input id="3" name="3"></form>` +
			"</body></html> Good luck.",
	}}
}

func newPipeline(t *testing.T, o oracle.Oracle, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(o, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func TestPipeline_Run(t *testing.T) {
	o := happyOracle()
	p := newPipeline(t, o, Config{})

	res, err := p.Run(context.Background(), Input{
		DocumentID:   "doc-1",
		Document:     pdftest.Scenario(),
		DocumentText: "Name Date of birth Signature",
		Mapper:       scenarioMapper(t),
		SubmitURL:    submitURL,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"generate", "refine", "restyle"}, o.stages())
	assert.Equal(t, []string{"1", "2", "3"}, res.IDs)
	require.Len(t, res.Stages, 3)
	assert.Equal(t, artifact.SourceTaggedFence, res.Stages[0].Source)
	assert.Equal(t, artifact.SourceUntaggedFence, res.Stages[1].Source)
	assert.Equal(t, artifact.SourceRootElement, res.Stages[2].Source)

	assert.True(t, strings.HasPrefix(res.Artifact, "<html><body>"))
	assert.True(t, artifact.Inspect(res.Artifact).Complete(submitURL))

	// generate and refine see the document, restyle only the markup
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.NotEmpty(t, o.requests[0].Document)
	assert.Contains(t, o.requests[0].Instructions, "1: Page 1, name, (172, 710)")
	assert.Contains(t, o.requests[0].Instructions, "3: Page 1, signature, (172, 615)")
	assert.NotEmpty(t, o.requests[1].Document)
	assert.Contains(t, o.requests[1].Instructions, `<input id="1" name="1">`)
	assert.Nil(t, o.requests[2].Document)
	assert.Empty(t, o.requests[2].DocumentText)
	assert.Contains(t, o.requests[2].Instructions, submitURL)
}

func TestPipeline_RunRepairsLandmarks(t *testing.T) {
	o := happyOracle()
	o.answers["restyle"] = "```html\n<html><body>" + padding +
		`<form action="/send_form"><input id="1"><input id="2"><input id="3"></form></body></html>` + "\n```"

	res, err := newPipeline(t, o, Config{}).Run(context.Background(), Input{
		DocumentID: "doc-1",
		Mapper:     scenarioMapper(t),
		SubmitURL:  submitURL,
	})
	require.NoError(t, err)

	l := artifact.Inspect(res.Artifact)
	assert.True(t, l.Complete(submitURL))
	assert.Empty(t, artifact.MissingIDs(res.Artifact, []string{"1", "2", "3"}))
}

func TestPipeline_RunFallsBackToRawResponse(t *testing.T) {
	o := happyOracle()
	// the fenced block is too short, the full response is long enough
	o.answers["refine"] = "```\n<b>x</b>\n```\n<html><body>" + padding +
		`<input id="1"><input id="2"><input id="3"></body></html>`

	res, err := newPipeline(t, o, Config{}).Run(context.Background(), Input{
		Mapper:    scenarioMapper(t),
		SubmitURL: submitURL,
	})
	require.NoError(t, err)
	assert.True(t, res.Stages[1].Fallback)
	assert.False(t, res.Stages[0].Fallback)
}

func TestPipeline_RunFailures(t *testing.T) {
	boom := errors.New("upstream unavailable")

	tests := []struct {
		name      string
		mutate    func(o *scriptedOracle)
		wantStage Stage
		wantErr   error
		wantCalls int
	}{
		{
			name:      "oracle error aborts at generate",
			mutate:    func(o *scriptedOracle) { o.errs = map[string]error{"generate": boom} },
			wantStage: StageGenerate,
			wantErr:   boom,
			wantCalls: 1,
		},
		{
			name:      "short response even after fallback",
			mutate:    func(o *scriptedOracle) { o.answers["refine"] = "```html\n<p>no</p>\n```" },
			wantStage: StageRefine,
			wantErr:   ErrShortArtifact,
			wantCalls: 2,
		},
		{
			name: "skeleton without index ids",
			mutate: func(o *scriptedOracle) {
				o.answers["generate"] = "```html\n<html><body>" + padding + `<input name="x"></body></html>` + "\n```"
			},
			wantStage: StageGenerate,
			wantErr:   ErrNoIdentifiers,
			wantCalls: 1,
		},
		{
			name: "refine drops an id",
			mutate: func(o *scriptedOracle) {
				o.answers["refine"] = "```html\n<html><body>" + padding + `<input id="1"><input id="3"></body></html>` + "\n```"
			},
			wantStage: StageRefine,
			wantErr:   ErrLostIdentifiers,
			wantCalls: 2,
		},
		{
			name:      "oracle error at restyle",
			mutate:    func(o *scriptedOracle) { o.errs = map[string]error{"restyle": boom} },
			wantStage: StageRestyle,
			wantErr:   boom,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := happyOracle()
			tt.mutate(o)

			res, err := newPipeline(t, o, Config{}).Run(context.Background(), Input{
				Mapper:    scenarioMapper(t),
				SubmitURL: submitURL,
			})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrStageFailed)
			assert.ErrorIs(t, err, tt.wantErr)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.wantStage, stageErr.Stage)
			assert.Len(t, o.stages(), tt.wantCalls)
		})
	}
}

func TestPipeline_RunTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := oracle.Func(func(ctx context.Context, _ oracle.Request) (string, error) {
		<-release // ignores ctx on purpose
		return "", nil
	})

	start := time.Now()
	_, err := newPipeline(t, slow, Config{StageTimeout: 50 * time.Millisecond}).Run(context.Background(), Input{
		Mapper:    scenarioMapper(t),
		SubmitURL: submitURL,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.ErrorIs(t, err, ErrStageTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPipeline_RunValidatesInput(t *testing.T) {
	p := newPipeline(t, happyOracle(), Config{})

	_, err := p.Run(context.Background(), Input{SubmitURL: submitURL})
	assert.ErrorIs(t, err, ErrMissingMapper)

	_, err = p.Run(context.Background(), Input{Mapper: scenarioMapper(t)})
	assert.ErrorIs(t, err, ErrMissingSubmitURL)
}

func TestPipeline_Enhance(t *testing.T) {
	base := "<html><body>" + padding + `<div id="progressBar"></div><form id="typeform" action="` + submitURL +
		`" method="post"><input id="1" name="1"><input id="2" name="2"></form></body></html>`

	o := &scriptedOracle{answers: map[string]string{
		"enhance": "```html\n" + strings.Replace(base, `<input id="1" name="1">`, `<input id="1" name="1" value="Jane Doe">`, 1) + "\n```",
	}}
	p := newPipeline(t, o, Config{})

	out, err := p.Enhance(context.Background(), EnhanceInput{
		DocumentID:     "doc-1",
		Artifact:       base,
		SubjectContext: map[string]any{"name": "Jane Doe", "dob": "1990-01-01"},
		SubmitURL:      submitURL,
	})
	require.NoError(t, err)
	assert.Contains(t, out, `value="Jane Doe"`)

	o.mu.Lock()
	instructions := o.requests[0].Instructions
	o.mu.Unlock()
	assert.Contains(t, instructions, "name: Jane Doe")
	assert.Contains(t, instructions, `id="typeform"`)

	o.answers["enhance"] = "```html\n<html><body>" + padding + `<input id="1"></body></html>` + "\n```"
	_, err = p.Enhance(context.Background(), EnhanceInput{Artifact: base, SubmitURL: submitURL})
	assert.ErrorIs(t, err, ErrLostIdentifiers)

	_, err = p.Enhance(context.Background(), EnhanceInput{Artifact: "  ", SubmitURL: submitURL})
	assert.ErrorIs(t, err, ErrNothingToRegenerate)
}

func TestLoadPrompts(t *testing.T) {
	defaults, err := DefaultPrompts()
	require.NoError(t, err)
	assert.Contains(t, defaults.Generate, "{{.Instructions}}")
	assert.Contains(t, defaults.Restyle, "{{.SubmitURL}}")

	p, err := LoadPrompts("")
	require.NoError(t, err)
	assert.Equal(t, defaults, p)

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("refine: \"Refine {{.Artifact}}\"\n"), 0o600))

	p, err = LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "Refine {{.Artifact}}", p.Refine)
	assert.Equal(t, defaults.Generate, p.Generate)

	_, err = LoadPrompts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNew_RejectsBrokenTemplate(t *testing.T) {
	prompts, err := DefaultPrompts()
	require.NoError(t, err)
	prompts.Restyle = "{{.Artifact"

	_, err = New(happyOracle(), Config{Prompts: prompts}, nil)
	assert.Error(t, err)

	_, err = New(nil, Config{}, nil)
	assert.Error(t, err)
}
