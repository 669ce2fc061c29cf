// Package formstest provides a scripted oracle for tests of the forms service
// and the surfaces built on it.
package formstest

import (
	"context"
	"strings"
	"sync"

	"github.com/a3tai/mcp-pdf-forms/internal/oracle"
)

// Markup is a form for the scenario document that satisfies every stage:
// index ids 1 to 3, the submission form and the progress element. Its form
// action is deliberately generic so the final stage repairs it.
const Markup = `<html><body><div id="progressBar"></div>` +
	`<form id="typeform" action="/submit" method="post">` +
	`<p>Please answer every question about the person this form is for.</p>` +
	`<label>Full name <input id="1" name="1"></label>` +
	`<label>Date of birth <input id="2" name="2"></label>` +
	`<label>Signature <input id="3" name="3"></label>` +
	`<button type="submit">Send</button></form></body></html>`

// Oracle answers every stage with Markup in a fenced block. A non-nil Gate
// holds each call until the gate is closed or the call's context ends.
type Oracle struct {
	Gate chan struct{}
	// Fail makes the named stage return its error
	Fail map[string]error

	mu       sync.Mutex
	requests []oracle.Request
}

// NewGated returns an oracle whose calls block until Release
func NewGated() *Oracle {
	return &Oracle{Gate: make(chan struct{})}
}

// Release lets held and future calls through
func (o *Oracle) Release() {
	close(o.Gate)
}

// Generate implements oracle.Oracle
func (o *Oracle) Generate(ctx context.Context, req oracle.Request) (string, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	err := o.Fail[req.Stage]
	o.mu.Unlock()

	if o.Gate != nil {
		select {
		case <-o.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "Here you go:\n```html\n" + Markup + "\n```", nil
}

// Requests returns the requests seen so far
func (o *Oracle) Requests() []oracle.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]oracle.Request(nil), o.requests...)
}

// Stages returns the stage names of the requests seen so far
func (o *Oracle) Stages() []string {
	var out []string
	for _, r := range o.Requests() {
		out = append(out, r.Stage)
	}
	return out
}

// Last returns the most recent request for stage, if any
func (o *Oracle) Last(stage string) (oracle.Request, bool) {
	reqs := o.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if strings.EqualFold(reqs[i].Stage, stage) {
			return reqs[i], true
		}
	}
	return oracle.Request{}, false
}
