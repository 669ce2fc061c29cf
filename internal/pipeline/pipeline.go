// Package pipeline turns an indexed form into interactive markup through a
// sequence of oracle stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/a3tai/mcp-pdf-forms/internal/artifact"
	"github.com/a3tai/mcp-pdf-forms/internal/index"
	"github.com/a3tai/mcp-pdf-forms/internal/oracle"
)

// Stage names one oracle round trip
type Stage string

const (
	StageGenerate Stage = "generate"
	StageRefine   Stage = "refine"
	StageRestyle  Stage = "restyle"
	StageEnhance  Stage = "enhance"
)

const (
	// DefaultMinArtifactLength is the length below which an artifact is suspect
	DefaultMinArtifactLength = 100
	// DefaultStageTimeout bounds each oracle call
	DefaultStageTimeout = 5 * time.Minute
)

var (
	// ErrStageFailed matches every *StageError
	ErrStageFailed = errors.New("stage failed")

	ErrShortArtifact       = errors.New("artifact too short")
	ErrNoIdentifiers       = errors.New("artifact carries no index identifiers")
	ErrLostIdentifiers     = errors.New("artifact lost index identifiers")
	ErrStageTimeout        = errors.New("oracle call timed out")
	ErrMissingSubmitURL    = errors.New("submit URL is required")
	ErrMissingMapper       = errors.New("index mapper is required")
	ErrNothingToRegenerate = errors.New("artifact to regenerate is empty")
)

// StageError reports which stage aborted a run
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStageFailed) hold for any StageError
func (e *StageError) Is(target error) bool {
	return target == ErrStageFailed
}

// Config tunes a Pipeline
type Config struct {
	StageTimeout      time.Duration
	MinArtifactLength int
	Prompts           *Prompts
}

// Pipeline runs the stages against one oracle
type Pipeline struct {
	oracle    oracle.Oracle
	templates templates
	cfg       Config
	log       *zap.Logger
}

// New creates a pipeline. Zero config values take their defaults.
func New(o oracle.Oracle, cfg Config, log *zap.Logger) (*Pipeline, error) {
	if o == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.MinArtifactLength <= 0 {
		cfg.MinArtifactLength = DefaultMinArtifactLength
	}
	if cfg.Prompts == nil {
		p, err := DefaultPrompts()
		if err != nil {
			return nil, err
		}
		cfg.Prompts = p
	}
	tmpls, err := cfg.Prompts.compile()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Pipeline{oracle: o, templates: tmpls, cfg: cfg, log: log.Named("pipeline")}, nil
}

// Input is one document to transform
type Input struct {
	DocumentID   string
	Document     []byte
	DocumentText string
	Mapper       *index.Mapper
	SubmitURL    string
}

// StageReport describes how a stage's artifact was obtained
type StageReport struct {
	Stage    Stage           `json:"stage"`
	Source   artifact.Source `json:"source"`
	Fallback bool            `json:"fallback"`
	Chars    int             `json:"chars"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// Result is the outcome of a successful run
type Result struct {
	Artifact string        `json:"artifact"`
	IDs      []string      `json:"ids"`
	Stages   []StageReport `json:"stages"`
}

// Run executes generate, refine and restyle in order. Any stage failure
// aborts the run with a *StageError.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	if in.Mapper == nil {
		return nil, ErrMissingMapper
	}
	if in.SubmitURL == "" {
		return nil, ErrMissingSubmitURL
	}

	log := p.log.With(zap.String("document_id", in.DocumentID))
	data := promptData{
		Instructions: in.Mapper.Instructions(),
		RegionCount:  in.Mapper.Len(),
		SubmitURL:    in.SubmitURL,
		FormID:       artifact.FormID,
		ProgressID:   artifact.ProgressID,
	}
	res := &Result{}

	// Generate: document + instruction block
	skeleton, report, err := p.stage(ctx, StageGenerate, data, in.Document, in.DocumentText)
	if err != nil {
		return nil, err
	}
	res.Stages = append(res.Stages, report)

	ids, missing := indexIDs(skeleton, in.Mapper.Len())
	if len(ids) == 0 {
		return nil, &StageError{Stage: StageGenerate, Err: ErrNoIdentifiers}
	}
	if len(missing) > 0 {
		log.Warn("generated markup is missing index keys", zap.Strings("missing", missing))
	}
	res.IDs = ids

	// Refine: document + skeleton
	data.Artifact = skeleton
	refined, report, err := p.stage(ctx, StageRefine, data, in.Document, in.DocumentText)
	if err != nil {
		return nil, err
	}
	res.Stages = append(res.Stages, report)
	if err := preserved(StageRefine, refined, ids); err != nil {
		return nil, err
	}

	// Restyle: markup only
	data.Artifact = refined
	styled, report, err := p.stage(ctx, StageRestyle, data, nil, "")
	if err != nil {
		return nil, err
	}
	res.Stages = append(res.Stages, report)

	final, err := p.landmarks(StageRestyle, styled, in.SubmitURL, log)
	if err != nil {
		return nil, err
	}
	if err := preserved(StageRestyle, final, ids); err != nil {
		return nil, err
	}

	res.Artifact = final
	log.Info("pipeline finished", zap.Int("ids", len(ids)), zap.Int("chars", len(final)))
	return res, nil
}

// EnhanceInput is an existing artifact to personalize
type EnhanceInput struct {
	DocumentID     string
	Artifact       string
	SubjectContext map[string]any
	SubmitURL      string
}

// Enhance prefills an existing artifact with subject data. Index ids and
// landmarks of the input survive into the output.
func (p *Pipeline) Enhance(ctx context.Context, in EnhanceInput) (string, error) {
	if strings.TrimSpace(in.Artifact) == "" {
		return "", ErrNothingToRegenerate
	}
	if in.SubmitURL == "" {
		return "", ErrMissingSubmitURL
	}

	subject, err := yaml.Marshal(in.SubjectContext)
	if err != nil {
		return "", fmt.Errorf("failed to render subject context: %w", err)
	}

	data := promptData{
		Artifact:   in.Artifact,
		SubmitURL:  in.SubmitURL,
		FormID:     artifact.FormID,
		ProgressID: artifact.ProgressID,
		Context:    string(subject),
	}

	out, _, err := p.stage(ctx, StageEnhance, data, nil, "")
	if err != nil {
		return "", err
	}

	log := p.log.With(zap.String("document_id", in.DocumentID))
	final, err := p.landmarks(StageEnhance, out, in.SubmitURL, log)
	if err != nil {
		return "", err
	}
	if err := preserved(StageEnhance, final, numericIDs(in.Artifact)); err != nil {
		return "", err
	}
	return final, nil
}

// stage renders the prompt, calls the oracle under the stage timeout and
// extracts the artifact, falling back once to the raw response
func (p *Pipeline) stage(ctx context.Context, stage Stage, data promptData, document []byte, documentText string) (string, StageReport, error) {
	report := StageReport{Stage: stage}
	start := time.Now()

	instructions, err := p.templates.render(stage, data)
	if err != nil {
		return "", report, &StageError{Stage: stage, Err: err}
	}

	raw, err := p.call(ctx, oracle.Request{
		Stage:        string(stage),
		Document:     document,
		DocumentText: documentText,
		Instructions: instructions,
	})
	report.Elapsed = time.Since(start)
	if err != nil {
		return "", report, &StageError{Stage: stage, Err: err}
	}

	out, source := artifact.ExtractWithSource(raw)
	report.Source = source
	if len(strings.TrimSpace(out)) < p.cfg.MinArtifactLength {
		report.Fallback = true
		out = raw
		if len(strings.TrimSpace(out)) < p.cfg.MinArtifactLength {
			return "", report, &StageError{
				Stage: stage,
				Err:   fmt.Errorf("%w: %d characters", ErrShortArtifact, len(strings.TrimSpace(out))),
			}
		}
	}
	report.Chars = len(out)

	p.log.Debug("stage complete",
		zap.String("stage", string(stage)),
		zap.String("source", string(source)),
		zap.Bool("fallback", report.Fallback),
		zap.Int("chars", report.Chars),
		zap.Duration("elapsed", report.Elapsed),
	)
	return out, report, nil
}

// call bounds one oracle call by the stage timeout even if the oracle ignores ctx
func (p *Pipeline) call(ctx context.Context, req oracle.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := p.oracle.Generate(callCtx, req)
		done <- reply{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrStageTimeout, r.err)
		}
		return r.text, r.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrStageTimeout, p.cfg.StageTimeout)
		}
		return "", callCtx.Err()
	}
}

// landmarks repairs the form and progress landmarks of a final artifact
func (p *Pipeline) landmarks(stage Stage, markup, submitURL string, log *zap.Logger) (string, error) {
	if artifact.Inspect(markup).Complete(submitURL) {
		return markup, nil
	}
	repaired, err := artifact.Repair(markup, submitURL)
	if err != nil {
		return "", &StageError{Stage: stage, Err: err}
	}
	log.Info("repaired artifact landmarks", zap.String("stage", string(stage)))
	return repaired, nil
}

func preserved(stage Stage, markup string, ids []string) error {
	if missing := artifact.MissingIDs(markup, ids); len(missing) > 0 {
		return &StageError{Stage: stage, Err: fmt.Errorf("%w: %s", ErrLostIdentifiers, strings.Join(missing, ", "))}
	}
	return nil
}

// indexIDs splits keys 1..n into those present in markup and those missing
func indexIDs(markup string, n int) (present, missing []string) {
	have := artifact.ElementIDs(markup)
	for key := 1; key <= n; key++ {
		id := strconv.Itoa(key)
		if have[id] {
			present = append(present, id)
		} else {
			missing = append(missing, id)
		}
	}
	return present, missing
}

// numericIDs returns the integer ids of markup in ascending order
func numericIDs(markup string) []string {
	var keys []int
	for id := range artifact.ElementIDs(markup) {
		if n, err := strconv.Atoi(id); err == nil && n > 0 && strconv.Itoa(n) == id {
			keys = append(keys, n)
		}
	}
	sort.Ints(keys)

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strconv.Itoa(k)
	}
	return ids
}
