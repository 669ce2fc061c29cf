// Package pdftest builds small AcroForm documents for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
)

// Field kinds understood by Build
const (
	Text     = "text"
	Checkbox = "checkbox"
	Radio    = "radio"
)

// Field describes one widget annotation to place in a generated document
type Field struct {
	Name  string
	Page  int
	Rect  [4]float64
	Kind  string
	Value string
	// OnState is the checkbox appearance name for the checked state, "Yes" when empty
	OnState string
	// Options are the on-states of a radio group, one kid widget each, laid out
	// left to right from Rect. Value selects one of them.
	Options []string
}

// Build returns a PDF with the given number of pages (at least the highest
// field page) whose pages carry one widget annotation per field, in order.
func Build(pages int, fields ...Field) []byte {
	for _, f := range fields {
		if f.Page > pages {
			pages = f.Page
		}
	}
	if pages < 1 {
		pages = 1
	}

	firstPage := 3
	firstField := firstPage + pages
	next := firstField + len(fields)

	objects := make(map[int]string)
	pageAnnots := make(map[int][]string)
	fieldRefs := make([]string, 0, len(fields))

	for i, f := range fields {
		num := firstField + i
		page := f.Page
		if page < 1 {
			page = 1
		}
		pageRef := fmt.Sprintf("%d 0 R", firstPage+page-1)
		ref := fmt.Sprintf("%d 0 R", num)
		fieldRefs = append(fieldRefs, ref)

		if f.Kind == Radio {
			objects[num], next = radioGroup(objects, f, ref, pageRef, next, func(widget string) {
				pageAnnots[page] = append(pageAnnots[page], widget)
			})
			continue
		}
		pageAnnots[page] = append(pageAnnots[page], ref)

		var b strings.Builder
		fmt.Fprintf(&b, "<< /Type /Annot /Subtype /Widget /T %s /Rect [%s] /P %s /F 4",
			literal(f.Name), rect(f.Rect), pageRef)

		switch f.Kind {
		case Checkbox:
			on := f.OnState
			if on == "" {
				on = "Yes"
			}
			onRef, offRef := next, next+1
			next += 2
			objects[onRef] = appearance()
			objects[offRef] = appearance()
			state := "Off"
			if f.Value != "" {
				state = f.Value
			}
			fmt.Fprintf(&b, " /FT /Btn /V /%s /AS /%s /AP << /N << /%s %d 0 R /Off %d 0 R >> >>",
				state, state, on, onRef, offRef)
		default:
			b.WriteString(" /FT /Tx /DA (/Helv 0 Tf 0 g)")
			if f.Value != "" {
				fmt.Fprintf(&b, " /V %s", literal(f.Value))
			}
		}
		b.WriteString(" >>")
		objects[num] = b.String()
	}

	objects[1] = fmt.Sprintf("<< /Type /Catalog /Pages 2 0 R /AcroForm << /Fields [%s] /DA (/Helv 0 Tf 0 g) >> >>",
		strings.Join(fieldRefs, " "))

	kids := make([]string, pages)
	for p := 1; p <= pages; p++ {
		kids[p-1] = fmt.Sprintf("%d 0 R", firstPage+p-1)
		page := "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >>"
		if annots := pageAnnots[p]; len(annots) > 0 {
			page += fmt.Sprintf(" /Annots [%s]", strings.Join(annots, " "))
		}
		objects[firstPage+p-1] = page + " >>"
	}
	objects[2] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages)

	return serialize(objects, next)
}

// radioGroup writes one kid widget per option and returns the parent field
// dictionary together with the next free object number
func radioGroup(objects map[int]string, f Field, parentRef, pageRef string, next int, annotate func(string)) (string, int) {
	selected := "Off"
	if f.Value != "" {
		selected = f.Value
	}

	width := f.Rect[2] - f.Rect[0]
	kids := make([]string, 0, len(f.Options))
	for i, opt := range f.Options {
		widgetRef, onRef, offRef := next, next+1, next+2
		next += 3
		objects[onRef] = appearance()
		objects[offRef] = appearance()

		r := f.Rect
		shift := float64(i) * (width + 10)
		r[0] += shift
		r[2] += shift

		state := "Off"
		if opt == selected {
			state = opt
		}
		objects[widgetRef] = fmt.Sprintf(
			"<< /Type /Annot /Subtype /Widget /Parent %s /Rect [%s] /P %s /F 4 /AS /%s /AP << /N << /%s %d 0 R /Off %d 0 R >> >> >>",
			parentRef, rect(r), pageRef, state, opt, onRef, offRef)

		ref := fmt.Sprintf("%d 0 R", widgetRef)
		kids = append(kids, ref)
		annotate(ref)
	}

	return fmt.Sprintf("<< /FT /Btn /Ff 49152 /T %s /V /%s /Kids [%s] >>",
		literal(f.Name), selected, strings.Join(kids, " ")), next
}

// Scenario returns the single-page three-field form used across package tests:
// name and dob on one row band, signature below them.
func Scenario() []byte {
	return Build(1,
		Field{Name: "name", Page: 1, Rect: [4]float64{72, 700, 272, 720}, Kind: Text},
		Field{Name: "dob", Page: 1, Rect: [4]float64{300, 700, 400, 720}, Kind: Text},
		Field{Name: "signature", Page: 1, Rect: [4]float64{72, 600, 272, 630}, Kind: Text, Value: "on file"},
	)
}

// Blank returns a one-page document with no form fields
func Blank() []byte {
	return Build(1)
}

func serialize(objects map[int]string, size int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")

	offsets := make([]int, size)
	for num := 1; num < size; num++ {
		offsets[num] = buf.Len()
		body, ok := objects[num]
		if !ok {
			body = "null"
		}
		if strings.HasPrefix(body, "<< /Type /XObject") {
			fmt.Fprintf(&buf, "%d 0 obj\n%s\nstream\n\nendstream\nendobj\n", num, body)
			continue
		}
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f \n")
	for num := 1; num < size; num++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[num])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xref)
	return buf.Bytes()
}

func appearance() string {
	return "<< /Type /XObject /Subtype /Form /BBox [0 0 10 10] /Resources << >> /Length 0 >>"
}

func rect(r [4]float64) string {
	return fmt.Sprintf("%g %g %g %g", r[0], r[1], r[2], r[3])
}

func literal(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)
	return "(" + r.Replace(s) + ")"
}
