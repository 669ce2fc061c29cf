package artifact

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// FormID is the id of the submission form in a restyled artifact
	FormID = "typeform"
	// ProgressID is the id of the progress indicator in a restyled artifact
	ProgressID = "progressBar"
)

// Landmarks reports which fixed elements a markup document carries
type Landmarks struct {
	HasForm     bool
	FormAction  string
	FormMethod  string
	HasProgress bool
}

// Complete reports whether the form posts to submitURL and the progress indicator exists
func (l Landmarks) Complete(submitURL string) bool {
	return l.HasForm && l.FormAction == submitURL &&
		strings.EqualFold(l.FormMethod, "post") && l.HasProgress
}

// ElementIDs returns the set of id attributes present in markup
func ElementIDs(markup string) map[string]bool {
	ids := make(map[string]bool)
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ids
		case html.StartTagToken, html.SelfClosingTagToken:
			for {
				key, val, more := z.TagAttr()
				if string(key) == "id" && len(val) > 0 {
					ids[string(val)] = true
				}
				if !more {
					break
				}
			}
		}
	}
}

// MissingIDs returns the members of want that markup does not carry, in want's order
func MissingIDs(markup string, want []string) []string {
	have := ElementIDs(markup)
	var missing []string
	for _, id := range want {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// Inspect reports the landmarks found in markup
func Inspect(markup string) Landmarks {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return Landmarks{}
	}

	var l Landmarks
	if form := findByID(doc, FormID); form != nil && form.DataAtom == atom.Form {
		l.HasForm = true
		l.FormAction = attr(form, "action")
		l.FormMethod = attr(form, "method")
	}
	l.HasProgress = findByID(doc, ProgressID) != nil
	return l
}

// Repair makes markup carry a form with id FormID posting to submitURL and an
// element with id ProgressID. Markup that already does is returned unchanged.
func Repair(markup, submitURL string) (string, error) {
	if Inspect(markup).Complete(submitURL) {
		return markup, nil
	}

	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse markup: %w", err)
	}

	body := findAtom(doc, atom.Body)
	if body == nil {
		return "", fmt.Errorf("markup has no body")
	}

	form := findByID(doc, FormID)
	if form != nil && form.DataAtom != atom.Form {
		// the id is taken by something else, free it for the form
		removeAttr(form, "id")
		form = nil
	}
	if form == nil {
		form = findAtom(body, atom.Form)
	}
	if form == nil {
		form = &html.Node{Type: html.ElementNode, Data: "form", DataAtom: atom.Form}
		for c := body.FirstChild; c != nil; {
			next := c.NextSibling
			if c.DataAtom != atom.Script {
				body.RemoveChild(c)
				form.AppendChild(c)
			}
			c = next
		}
		body.InsertBefore(form, body.FirstChild)
	}
	setAttr(form, "id", FormID)
	setAttr(form, "action", submitURL)
	setAttr(form, "method", "post")

	if findByID(doc, ProgressID) == nil {
		progress := &html.Node{
			Type:     html.ElementNode,
			Data:     "div",
			DataAtom: atom.Div,
			Attr:     []html.Attribute{{Key: "id", Val: ProgressID}},
		}
		form.Parent.InsertBefore(progress, form)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("failed to render markup: %w", err)
	}
	return buf.String(), nil
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && attr(n, "id") == id {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func findAtom(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findAtom(c, a); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}
