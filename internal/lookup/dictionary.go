// Package lookup answers "which strokes produce this text" against the
// loaded steno dictionaries. It reverse-maps dictionary entries and searches
// phrase splits for complete stroke sequences.
package lookup

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Outline is one dictionary entry's strokes in steno order, e.g.
// ["HEL", "HRO"] for "hello" written in two strokes.
type Outline []string

// Strokes returns the number of strokes in the outline.
func (o Outline) Strokes() int {
	return len(o)
}

// Keys returns the total number of keys pressed across all strokes. Fewer
// keys for the same stroke count means a briefer outline.
func (o Outline) Keys() int {
	total := 0
	for _, stroke := range o {
		total += len(stroke)
	}
	return total
}

// String renders the outline in RTF/CRE notation, strokes joined by "/".
func (o Outline) String() string {
	return strings.Join(o, "/")
}

// Dictionary resolves text back to the outlines that produce it.
type Dictionary interface {
	// ReverseLookup returns every outline mapping to exactly this text.
	// Order is unspecified; callers sort.
	ReverseLookup(text string) []Outline
	// LongestKey returns the stroke count of the longest outline, which
	// bounds how many words a single entry can cover.
	LongestKey() int
}

// JSONDictionary is a reverse index over one dictionary in the common JSON
// format: an object mapping "STROKE/STROKE" outlines to translations.
type JSONDictionary struct {
	name       string
	reverse    map[string][]Outline
	longestKey int
}

// LoadJSON reads and indexes a JSON dictionary file.
func LoadJSON(path string) (*JSONDictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	dict, err := ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse dictionary %s: %w", path, err)
	}
	dict.name = path
	return dict, nil
}

// ParseJSON indexes dictionary bytes.
func ParseJSON(data []byte) (*JSONDictionary, error) {
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	dict := &JSONDictionary{
		reverse: make(map[string][]Outline, len(entries)),
	}
	for key, translation := range entries {
		outline := Outline(strings.Split(key, "/"))
		dict.reverse[translation] = append(dict.reverse[translation], outline)
		if outline.Strokes() > dict.longestKey {
			dict.longestKey = outline.Strokes()
		}
	}
	return dict, nil
}

// Name returns the source path of the dictionary, if loaded from a file.
func (d *JSONDictionary) Name() string {
	return d.name
}

// Entries returns the number of distinct translations.
func (d *JSONDictionary) Entries() int {
	return len(d.reverse)
}

// ReverseLookup implements Dictionary.
func (d *JSONDictionary) ReverseLookup(text string) []Outline {
	outlines := d.reverse[text]
	if len(outlines) == 0 {
		return nil
	}
	out := make([]Outline, len(outlines))
	copy(out, outlines)
	return out
}

// LongestKey implements Dictionary.
func (d *JSONDictionary) LongestKey() int {
	return d.longestKey
}

// Collection merges several dictionaries into one lookup surface, deduping
// outlines that appear in more than one.
type Collection struct {
	dicts []Dictionary
}

// NewCollection builds a collection over the given dictionaries.
func NewCollection(dicts ...Dictionary) *Collection {
	return &Collection{dicts: dicts}
}

// Add appends a dictionary to the collection.
func (c *Collection) Add(d Dictionary) {
	c.dicts = append(c.dicts, d)
}

// Size returns the number of dictionaries in the collection.
func (c *Collection) Size() int {
	return len(c.dicts)
}

// ReverseLookup implements Dictionary across all member dictionaries.
func (c *Collection) ReverseLookup(text string) []Outline {
	var (
		out  []Outline
		seen map[string]bool
	)
	for _, d := range c.dicts {
		for _, outline := range d.ReverseLookup(text) {
			key := outline.String()
			if seen == nil {
				seen = make(map[string]bool)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, outline)
		}
	}
	return out
}

// LongestKey implements Dictionary as the maximum over members.
func (c *Collection) LongestKey() int {
	longest := 0
	for _, d := range c.dicts {
		if k := d.LongestKey(); k > longest {
			longest = k
		}
	}
	return longest
}

// sortOutlines orders outlines deterministically: fewest strokes first, then
// fewest keys, then notation order.
func sortOutlines(outlines []Outline) {
	sort.Slice(outlines, func(i, j int) bool {
		a, b := outlines[i], outlines[j]
		if a.Strokes() != b.Strokes() {
			return a.Strokes() < b.Strokes()
		}
		if a.Keys() != b.Keys() {
			return a.Keys() < b.Keys()
		}
		return a.String() < b.String()
	})
}
