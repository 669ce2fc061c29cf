// Package lock provides a non-blocking keyed guard for fill-back and
// regeneration operations.
package lock

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned when an operation for the same key is already in flight
var ErrBusy = errors.New("operation in progress")

// Key identifies one (document, subject, actor) triple
type Key struct {
	Document string
	Subject  string
	Actor    string
}

// String renders the key unambiguously
func (k Key) String() string {
	return fmt.Sprintf("%q/%q/%q", k.Document, k.Subject, k.Actor)
}

// Table holds the keys with an operation in flight. Absence means free.
type Table struct {
	held sync.Map // map[Key]*Guard
}

// NewTable creates an empty lock table
func NewTable() *Table {
	return &Table{}
}

// Guard is a held key. Release is idempotent.
type Guard struct {
	table *Table
	key   Key
	once  sync.Once
}

// Acquire takes key without waiting, or fails with ErrBusy
func (t *Table) Acquire(key Key) (*Guard, error) {
	g := &Guard{table: t, key: key}
	if _, loaded := t.held.LoadOrStore(key, g); loaded {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	return g, nil
}

// Release frees the key
func (g *Guard) Release() {
	g.once.Do(func() {
		g.table.held.CompareAndDelete(g.key, g)
	})
}

// Key returns the guarded key
func (g *Guard) Key() Key {
	return g.key
}

// Held reports whether an operation currently holds key
func (t *Table) Held(key Key) bool {
	_, ok := t.held.Load(key)
	return ok
}

// Do runs fn while holding key and releases it on every exit path, panics included
func (t *Table) Do(key Key, fn func() error) error {
	g, err := t.Acquire(key)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn()
}
