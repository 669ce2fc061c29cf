// Package fill writes submitted values back into a document's form fields.
package fill

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-forms/internal/index"
	pdferrors "github.com/a3tai/mcp-pdf-forms/internal/pdf/errors"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/extraction"
)

// ErrFingerprintMismatch is returned when the recomputed index differs from the expected one
var ErrFingerprintMismatch = errors.New("index fingerprint mismatch")

// Result describes what a fill did
type Result struct {
	// Applied maps region labels to the value written; buttons report the state name set
	Applied map[string]string `json:"applied"`
	// PassedThrough lists submitted keys that were not index keys
	PassedThrough []string `json:"passed_through,omitempty"`
	// Ignored lists pass-through names that matched no field
	Ignored []string `json:"ignored,omitempty"`
	// Fingerprint is the fingerprint of the index the submission was resolved against
	Fingerprint string `json:"fingerprint"`
}

// Option configures a single Fill call
type Option func(*options)

type options struct {
	fingerprint string
}

// WithFingerprint makes Fill fail with ErrFingerprintMismatch, before writing
// anything, unless the recomputed index has this fingerprint
func WithFingerprint(fp string) Option {
	return func(o *options) { o.fingerprint = fp }
}

// Writer fills AcroForm documents with pdfcpu
type Writer struct {
	extractor *extraction.Extractor
	log       *zap.Logger
}

// NewWriter creates a fill-back writer
func NewWriter(log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		extractor: extraction.NewExtractor(log),
		log:       log.Named("fill"),
	}
}

// Fill resolves values against the index recomputed from src, writes them into
// a copy of the document and copies the result to dst. Unresolved keys are
// treated as literal labels or field names. Nothing is written to dst on error.
func (w *Writer) Fill(src io.ReadSeeker, values map[string]string, dst io.Writer, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, err := extraction.ReadContext(src)
	if err != nil {
		return nil, err
	}

	located, err := w.extractor.Locate(ctx)
	if err != nil {
		return nil, err
	}

	regions := make([]extraction.Region, len(located))
	byLabel := make(map[string]*extraction.LocatedField, len(located))
	byField := make(map[string]*extraction.LocatedField, len(located))
	for i := range located {
		lf := &located[i]
		regions[i] = lf.Region
		byLabel[lf.Region.Label] = lf
		if _, seen := byField[lf.Region.Field]; !seen {
			byField[lf.Region.Field] = lf
		}
	}

	mapper, err := index.Build(regions)
	if err != nil {
		return nil, fmt.Errorf("failed to index document: %w", err)
	}
	if o.fingerprint != "" && o.fingerprint != mapper.Fingerprint() {
		return nil, fmt.Errorf("%w: expected %s, document has %s", ErrFingerprintMismatch, o.fingerprint, mapper.Fingerprint())
	}

	resolution := mapper.Resolve(values)
	result := &Result{
		Applied:       make(map[string]string, len(resolution.Values)),
		PassedThrough: resolution.PassedThrough,
		Fingerprint:   mapper.Fingerprint(),
	}

	names := make([]string, 0, len(resolution.Values))
	for name := range resolution.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		lf, ok := byLabel[name]
		if !ok {
			lf, ok = byField[name]
		}
		if !ok {
			result.Ignored = append(result.Ignored, name)
			continue
		}
		value := resolution.Values[name]
		written, ok := setValue(ctx, lf, value)
		if !ok {
			w.log.Debug("value matches no option", zap.String("field", lf.Region.Label), zap.String("value", value))
			result.Ignored = append(result.Ignored, name)
			continue
		}
		result.Applied[lf.Region.Label] = written
	}

	if err := needAppearances(ctx); err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeWriteError, err)
	}

	var buf bytes.Buffer
	if err := api.WriteContext(ctx, &buf); err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeWriteError, fmt.Errorf("failed to serialize document: %w", err))
	}
	if _, err := io.Copy(dst, &buf); err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeWriteError, fmt.Errorf("failed to write document: %w", err))
	}

	w.log.Debug("filled document",
		zap.Int("applied", len(result.Applied)),
		zap.Int("passed_through", len(result.PassedThrough)),
		zap.Int("ignored", len(result.Ignored)),
	)
	return result, nil
}

// setValue writes value into the field and returns what was written: the
// text itself, or the state name of a button. It reports false when a radio
// group has no such option.
func setValue(ctx *model.Context, lf *extraction.LocatedField, value string) (string, bool) {
	switch lf.Region.Kind {
	case extraction.FieldKindCheckbox:
		return setCheckbox(ctx, lf, stateName(value)), true
	case extraction.FieldKindRadio:
		return setRadio(ctx, lf, stateName(value))
	default:
		lf.Dict["V"] = encodeText(value)
		// stale appearances would hide the new value
		for _, widget := range lf.Widgets {
			widget.Delete("AP")
		}
		return value, true
	}
}

// stateName accepts button values in PDF name syntax, "/On" as well as "On"
func stateName(value string) string {
	return strings.TrimPrefix(strings.TrimSpace(value), "/")
}

func setCheckbox(ctx *model.Context, lf *extraction.LocatedField, value string) string {
	state := "Off"
	for _, widget := range lf.Widgets {
		on := onState(ctx, widget)
		if truthy(value) || (on != "" && value == on) {
			state = on
			if state == "" {
				state = "Yes"
			}
			break
		}
	}
	setState(ctx, lf, state)
	return state
}

func setRadio(ctx *model.Context, lf *extraction.LocatedField, value string) (string, bool) {
	state := "Off"
	for _, widget := range lf.Widgets {
		if on := onState(ctx, widget); on != "" && on == value {
			state = on
			break
		}
	}
	if state == "Off" && value != "" && !strings.EqualFold(value, "off") {
		return "", false
	}
	setState(ctx, lf, state)
	return state, true
}

// setState selects the widgets whose on-state is state and turns the others
// off. A checkbox widget without appearance states takes Yes.
func setState(ctx *model.Context, lf *extraction.LocatedField, state string) {
	lf.Dict["V"] = types.Name(state)
	for _, widget := range lf.Widgets {
		if on := onState(ctx, widget); state != "Off" && (on == state || (on == "" && state == "Yes")) {
			widget["AS"] = types.Name(state)
		} else {
			widget["AS"] = types.Name("Off")
		}
	}
}

// onState returns the widget's checked appearance name, or "" if it has none
func onState(ctx *model.Context, widget types.Dict) string {
	apObj, found := widget.Find("AP")
	if !found {
		return ""
	}
	ap, err := ctx.DereferenceDict(apObj)
	if err != nil || ap == nil {
		return ""
	}
	nObj, found := ap.Find("N")
	if !found {
		return ""
	}
	n, err := ctx.DereferenceDict(nObj)
	if err != nil || n == nil {
		return ""
	}

	states := make([]string, 0, len(n))
	for k := range n {
		if k != "Off" {
			states = append(states, k)
		}
	}
	if len(states) == 0 {
		return ""
	}
	sort.Strings(states)
	return states[0]
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "yes", "true", "1", "x", "checked":
		return true
	default:
		return false
	}
}

// encodeText returns a hex string; text outside ASCII is UTF-16BE with a byte order mark
func encodeText(s string) types.HexLiteral {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return types.NewHexLiteral([]byte(s))
	}

	units := utf16.Encode([]rune(s))
	b := make([]byte, 2, 2+2*len(units))
	b[0], b[1] = 0xFE, 0xFF
	for _, u := range units {
		b = append(b, byte(u>>8), byte(u))
	}
	return types.NewHexLiteral(b)
}

func needAppearances(ctx *model.Context) error {
	catalog, err := ctx.Catalog()
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	acroFormObj, found := catalog.Find("AcroForm")
	if !found {
		// widgets without an AcroForm dictionary, nothing to flag
		return nil
	}
	acroForm, err := ctx.DereferenceDict(acroFormObj)
	if err != nil || acroForm == nil {
		return fmt.Errorf("failed to read AcroForm: %v", err)
	}
	acroForm["NeedAppearances"] = types.Boolean(true)
	return nil
}
