// Package storetest opens throwaway stores for tests of packages built on
// the store.
package storetest

import (
	"testing"

	"github.com/a3tai/mcp-pdf-forms/internal/store"
)

// Open returns an empty in-memory store that is closed when the test ends
func Open(t testing.TB) *store.Store {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("storetest: open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
