package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"

	pdferrors "github.com/a3tai/mcp-pdf-forms/internal/pdf/errors"
)

// maxParentDepth bounds /Parent chain walks on malformed field trees
const maxParentDepth = 32

// FieldKind represents the kind of an input region
type FieldKind string

const (
	FieldKindText      FieldKind = "text"
	FieldKindCheckbox  FieldKind = "checkbox"
	FieldKindRadio     FieldKind = "radio"
	FieldKindChoice    FieldKind = "choice"
	FieldKindSignature FieldKind = "signature"
	FieldKindButton    FieldKind = "button"
	FieldKindUnknown   FieldKind = "unknown"
)

// Box is a region's bounding box in PDF user space. X2 >= X1 and Y2 >= Y1.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the integer centre point of the box
func (b Box) Center() (int, int) {
	return int(b.X1+b.X2) / 2, int(b.Y1+b.Y2) / 2
}

// Region is one labeled, positioned input element of a document
type Region struct {
	Page  int       `json:"page"`
	Label string    `json:"label"`
	Field string    `json:"field"`
	Kind  FieldKind `json:"kind"`
	Box   Box       `json:"box"`
	Value string    `json:"value,omitempty"`
}

// LocatedField pairs a region with the live pdfcpu dictionaries it was read from
type LocatedField struct {
	Region  Region
	Dict    types.Dict
	Widgets []types.Dict
}

// Extractor reads the input regions of AcroForm documents using pdfcpu
type Extractor struct {
	log *zap.Logger
}

// NewExtractor creates a new region extractor
func NewExtractor(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log.Named("extraction")}
}

// ReadContext parses a PDF into a pdfcpu context with relaxed validation.
// Any parse failure, including a panic inside the parser, is UnreadableDocument.
func ReadContext(rs io.ReadSeeker) (ctx *model.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx = nil
			err = pdferrors.Wrap(pdferrors.ErrorTypeUnreadableDocument, fmt.Errorf("parser panic: %v", r))
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err = api.ReadContext(rs, conf)
	if err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeUnreadableDocument, fmt.Errorf("failed to read PDF context: %w", err))
	}

	if err := ctx.EnsurePageCount(); err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeUnreadableDocument, fmt.Errorf("failed to ensure page count: %w", err))
	}

	return ctx, nil
}

// ExtractFile extracts the ordered input regions of the PDF at filePath
func (e *Extractor) ExtractFile(filePath string) ([]Region, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeUnreadableDocument, err).WithFile(filePath)
	}

	regions, err := e.ExtractReader(bytes.NewReader(data))
	if err != nil {
		var docErr *pdferrors.DocumentError
		if errors.As(err, &docErr) && docErr.FilePath == "" {
			docErr.FilePath = filePath
		}
		return nil, err
	}
	return regions, nil
}

// ExtractReader extracts the ordered input regions from a PDF stream
func (e *Extractor) ExtractReader(rs io.ReadSeeker) ([]Region, error) {
	ctx, err := ReadContext(rs)
	if err != nil {
		return nil, err
	}
	return e.ExtractContext(ctx)
}

// ExtractContext extracts the ordered input regions from a parsed document
func (e *Extractor) ExtractContext(ctx *model.Context) ([]Region, error) {
	located, err := e.Locate(ctx)
	if err != nil {
		return nil, err
	}

	regions := make([]Region, len(located))
	for i, lf := range located {
		regions[i] = lf.Region
	}
	return regions, nil
}

// Locate walks every page's widget annotations and returns one entry per form
// field in extraction order, with duplicate labels disambiguated as label#2, label#3...
func (e *Extractor) Locate(ctx *model.Context) ([]LocatedField, error) {
	var (
		located []*LocatedField
		byField = make(map[string]*LocatedField)
	)

	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		pageDict, _, _, err := ctx.PageDict(pageNr, false)
		if err != nil {
			return nil, pdferrors.Wrap(pdferrors.ErrorTypeUnreadableDocument, fmt.Errorf("page %d: %w", pageNr, err))
		}
		if pageDict == nil {
			continue
		}

		annotsObj, found := pageDict.Find("Annots")
		if !found {
			continue
		}
		annots, err := ctx.DereferenceArray(annotsObj)
		if err != nil {
			e.log.Debug("skipping unreadable annotation array", zap.Int("page", pageNr), zap.Error(err))
			continue
		}

		for i, annotObj := range annots {
			widget, err := ctx.DereferenceDict(annotObj)
			if err != nil || widget == nil {
				continue
			}
			if !isWidget(ctx, widget) {
				continue
			}

			fieldDict, fieldID, ok := e.fieldOf(ctx, annotObj, widget, pageNr, i)
			if !ok {
				continue
			}

			if lf, seen := byField[fieldID]; seen {
				lf.Widgets = append(lf.Widgets, widget)
				continue
			}

			kind := fieldKind(ctx, fieldDict)
			if kind == FieldKindButton {
				continue
			}

			name := qualifiedName(ctx, fieldDict)
			if name == "" {
				continue
			}

			lf := &LocatedField{
				Region: Region{
					Page:  pageNr,
					Label: name,
					Field: name,
					Kind:  kind,
					Box:   rectOf(ctx, widget),
					Value: fieldValue(ctx, fieldDict),
				},
				Dict:    fieldDict,
				Widgets: []types.Dict{widget},
			}
			byField[fieldID] = lf
			located = append(located, lf)
		}
	}

	if len(located) == 0 {
		return nil, pdferrors.New(pdferrors.ErrorTypeMalformedDocument, "no form fields found in any page annotation")
	}

	disambiguate(located)

	out := make([]LocatedField, len(located))
	for i, lf := range located {
		out[i] = *lf
	}

	e.log.Debug("located form fields", zap.Int("count", len(out)), zap.Int("pages", ctx.PageCount))
	return out, nil
}

// fieldOf resolves the field dictionary a widget belongs to, and a stable identity for it
func (e *Extractor) fieldOf(ctx *model.Context, annotObj types.Object, widget types.Dict, pageNr, index int) (types.Dict, string, bool) {
	if _, hasName := widget.Find("T"); hasName {
		if ref, ok := annotObj.(types.IndirectRef); ok {
			return widget, objectID(ref), true
		}
		return widget, fmt.Sprintf("direct:%d:%d", pageNr, index), true
	}

	parentObj, found := widget.Find("Parent")
	if !found {
		return nil, "", false
	}
	parent, err := ctx.DereferenceDict(parentObj)
	if err != nil || parent == nil {
		e.log.Debug("widget parent unreadable", zap.Int("page", pageNr), zap.Int("annot", index))
		return nil, "", false
	}
	if ref, ok := parentObj.(types.IndirectRef); ok {
		return parent, objectID(ref), true
	}
	return parent, fmt.Sprintf("parent:%d:%d", pageNr, index), true
}

func objectID(ref types.IndirectRef) string {
	return strconv.Itoa(ref.ObjectNumber.Value())
}

// isWidget reports whether an annotation dictionary is a form widget
func isWidget(ctx *model.Context, annot types.Dict) bool {
	if subtypeObj, found := annot.Find("Subtype"); found {
		if name, err := ctx.DereferenceName(subtypeObj, model.V10, nil); err == nil {
			return name == "Widget"
		}
	}
	_, hasName := annot.Find("T")
	_, hasParent := annot.Find("Parent")
	return hasName || hasParent
}

// qualifiedName joins the /T entries of the field and its ancestors with '.'
func qualifiedName(ctx *model.Context, fieldDict types.Dict) string {
	var parts []string
	d := fieldDict
	for depth := 0; d != nil && depth < maxParentDepth; depth++ {
		if nameObj, found := d.Find("T"); found {
			if name, err := ctx.DereferenceStringOrHexLiteral(nameObj, model.V10, nil); err == nil && name != "" {
				parts = append(parts, name)
			}
		}
		parentObj, found := d.Find("Parent")
		if !found {
			break
		}
		parent, err := ctx.DereferenceDict(parentObj)
		if err != nil {
			break
		}
		d = parent
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// inherited looks key up on the field and then its ancestors
func inherited(ctx *model.Context, fieldDict types.Dict, key string) (types.Object, bool) {
	d := fieldDict
	for depth := 0; d != nil && depth < maxParentDepth; depth++ {
		if obj, found := d.Find(key); found {
			return obj, true
		}
		parentObj, found := d.Find("Parent")
		if !found {
			return nil, false
		}
		parent, err := ctx.DereferenceDict(parentObj)
		if err != nil {
			return nil, false
		}
		d = parent
	}
	return nil, false
}

// fieldKind determines the field kind from the (inherited) FT and Ff entries
func fieldKind(ctx *model.Context, fieldDict types.Dict) FieldKind {
	ftObj, found := inherited(ctx, fieldDict, "FT")
	if !found {
		return FieldKindUnknown
	}
	ftName, err := ctx.DereferenceName(ftObj, model.V10, nil)
	if err != nil {
		return FieldKindUnknown
	}

	var flags int
	if flagsObj, found := inherited(ctx, fieldDict, "Ff"); found {
		if f, err := ctx.DereferenceInteger(flagsObj); err == nil && f != nil {
			flags = f.Value()
		}
	}

	switch ftName {
	case "Btn":
		if flags&(1<<15) != 0 { // Bit 16: Radio
			return FieldKindRadio
		}
		if flags&(1<<16) != 0 { // Bit 17: Pushbutton
			return FieldKindButton
		}
		return FieldKindCheckbox
	case "Tx":
		return FieldKindText
	case "Ch":
		return FieldKindChoice
	case "Sig":
		return FieldKindSignature
	default:
		return FieldKindUnknown
	}
}

// fieldValue renders the field's current /V as a string
func fieldValue(ctx *model.Context, fieldDict types.Dict) string {
	valueObj, found := inherited(ctx, fieldDict, "V")
	if !found {
		return ""
	}
	if s, err := ctx.DereferenceStringOrHexLiteral(valueObj, model.V10, nil); err == nil {
		return s
	}
	if name, err := ctx.DereferenceName(valueObj, model.V10, nil); err == nil {
		return string(name)
	}
	if arr, err := ctx.DereferenceArray(valueObj); err == nil {
		values := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, err := ctx.DereferenceStringOrHexLiteral(item, model.V10, nil); err == nil {
				values = append(values, s)
			}
		}
		return strings.Join(values, ",")
	}
	return ""
}

// rectOf parses a widget's /Rect into a normalized Box
func rectOf(ctx *model.Context, widget types.Dict) Box {
	rectObj, found := widget.Find("Rect")
	if !found {
		return Box{}
	}
	rectArray, err := ctx.DereferenceArray(rectObj)
	if err != nil || len(rectArray) != 4 {
		return Box{}
	}

	coords := make([]float64, 4)
	for i, coord := range rectArray {
		if f, err := ctx.DereferenceNumber(coord); err == nil {
			coords[i] = f
		}
	}

	b := Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	if b.X2 < b.X1 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y2 < b.Y1 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// disambiguate suffixes repeated labels in extraction order
func disambiguate(located []*LocatedField) {
	taken := make(map[string]bool, len(located))
	for _, lf := range located {
		taken[lf.Region.Label] = true
	}

	seen := make(map[string]int, len(located))
	for _, lf := range located {
		base := lf.Region.Label
		seen[base]++
		if seen[base] == 1 {
			continue
		}
		n := seen[base]
		label := fmt.Sprintf("%s#%d", base, n)
		for taken[label] {
			n++
			label = fmt.Sprintf("%s#%d", base, n)
		}
		seen[base] = n
		taken[label] = true
		lf.Region.Label = label
	}
}
