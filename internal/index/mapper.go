// Package index assigns stable integer keys to the input regions of a document.
//
// The key order is: page ascending, then reading order within a page (rows
// top to bottom, left to right within a row), then original extraction order.
// Keys are recomputed from the document on every operation, so any change to
// this ordering must bump Version.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/a3tai/mcp-pdf-forms/internal/pdf/extraction"
)

// Version identifies the ordering algorithm. Artifacts generated under one
// version are not valid for fill-back under another.
const Version = 1

// RowBand is the height in points of the bands region top edges are quantized
// into; regions whose tops fall in the same band share a row.
const RowBand = 10.0

var (
	ErrUnknownKey     = errors.New("unknown index key")
	ErrUnknownLabel   = errors.New("unknown region label")
	ErrDuplicateLabel = errors.New("duplicate region label")
	ErrNoRegions      = errors.New("no regions to index")
)

// IndexedRegion is a region with its assigned key
type IndexedRegion struct {
	Key    int               `json:"key"`
	Region extraction.Region `json:"region"`
}

// Mapper is an immutable key<->label mapping for one document version
type Mapper struct {
	regions     []IndexedRegion
	byLabel     map[string]int
	fingerprint string
}

// Build orders regions and assigns keys 1..N
func Build(regions []extraction.Region) (*Mapper, error) {
	if len(regions) == 0 {
		return nil, ErrNoRegions
	}

	type ordered struct {
		region extraction.Region
		pos    int
		band   int
	}
	items := make([]ordered, len(regions))
	for i, r := range regions {
		if r.Label == "" {
			return nil, fmt.Errorf("region %d has an empty label", i)
		}
		items[i] = ordered{region: r, pos: i, band: rowBand(r.Box)}
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.region.Page != b.region.Page {
			return a.region.Page < b.region.Page
		}
		if a.band != b.band {
			return a.band < b.band
		}
		if a.region.Box.X1 != b.region.Box.X1 {
			return a.region.Box.X1 < b.region.Box.X1
		}
		return a.pos < b.pos
	})

	m := &Mapper{
		regions: make([]IndexedRegion, len(items)),
		byLabel: make(map[string]int, len(items)),
	}
	for i, it := range items {
		key := i + 1
		if _, exists := m.byLabel[it.region.Label]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLabel, it.region.Label)
		}
		m.byLabel[it.region.Label] = key
		m.regions[i] = IndexedRegion{Key: key, Region: it.region}
	}
	m.fingerprint = fingerprint(m.regions)

	return m, nil
}

// rowBand maps the top edge of a box to a band number that grows downward the page
func rowBand(b extraction.Box) int {
	return int(math.Floor(-b.Y2 / RowBand))
}

func fingerprint(regions []IndexedRegion) string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d\n", Version)
	for _, r := range regions {
		fmt.Fprintf(h, "%d\x00%s\n", r.Key, r.Region.Label)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ToLabel returns the label assigned to key
func (m *Mapper) ToLabel(key int) (string, error) {
	if key < 1 || key > len(m.regions) {
		return "", fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}
	return m.regions[key-1].Region.Label, nil
}

// ToKey returns the key assigned to label
func (m *Mapper) ToKey(label string) (int, error) {
	key, ok := m.byLabel[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return key, nil
}

// Regions returns a copy of the indexed regions in key order
func (m *Mapper) Regions() []IndexedRegion {
	out := make([]IndexedRegion, len(m.regions))
	copy(out, m.regions)
	return out
}

// Len returns the number of indexed regions
func (m *Mapper) Len() int {
	return len(m.regions)
}

// Fingerprint identifies this exact key assignment together with Version
func (m *Mapper) Fingerprint() string {
	return m.fingerprint
}

// Instructions renders the label/key/position block handed to the generate stage
func (m *Mapper) Instructions() string {
	var b strings.Builder
	for _, r := range m.regions {
		cx, cy := r.Region.Box.Center()
		fmt.Fprintf(&b, "%d: Page %d, %s, (%d, %d)\n", r.Key, r.Region.Page, r.Region.Label, cx, cy)
	}
	return b.String()
}

// Resolution is the outcome of mapping submitted values onto labels
type Resolution struct {
	// Values maps region labels, or pass-through names, to the submitted value
	Values map[string]string
	// PassedThrough lists the submitted keys that were not index keys of this mapping
	PassedThrough []string
}

// Resolve translates a submission keyed by index keys into one keyed by label.
// Keys that are not numeric, or are out of range, are kept literally.
func (m *Mapper) Resolve(values map[string]string) Resolution {
	res := Resolution{Values: make(map[string]string, len(values))}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// resolved keys win over literal names that collide with a label
	for _, k := range keys {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		if label, err := m.ToLabel(n); err == nil {
			res.Values[label] = values[k]
		}
	}
	for _, k := range keys {
		if n, err := strconv.Atoi(strings.TrimSpace(k)); err == nil {
			if _, err := m.ToLabel(n); err == nil {
				continue
			}
		}
		res.PassedThrough = append(res.PassedThrough, k)
		if _, taken := res.Values[k]; !taken {
			res.Values[k] = values[k]
		}
	}

	return res
}
