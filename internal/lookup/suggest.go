package lookup

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/codefionn/stenobridge/internal/logger"
)

// capitalizeStroke is the conventional cap-next stroke prepended when a
// capitalized phrase is only found in lowercase form.
const capitalizeStroke = "KPA"

// tokenPattern splits input into lookup tokens: currency-prefixed numbers
// with comma groups, words with internal apostrophes, or single punctuation
// characters.
var tokenPattern = regexp.MustCompile(`[$€£]?\d+(?:,\d+)*|\w+(?:['’]\w+)*|[^\w\s]`)

// currencyStripper removes currency symbols and comma grouping before the
// numeric fallback.
var currencyStripper = strings.NewReplacer("$", "", "€", "", "£", "", ",", "")

// Chunk covers a run of input text with the outline chosen for it.
type Chunk struct {
	Text  string  `json:"text"`
	Steno Outline `json:"steno"`
}

// Sequence is one complete way to write the input: chunks in order, whose
// texts concatenate (space separated) back to the input tokens.
type Sequence []Chunk

// Strokes returns the total stroke count across the sequence.
func (s Sequence) Strokes() int {
	total := 0
	for _, chunk := range s {
		total += chunk.Steno.Strokes()
	}
	return total
}

// Keys returns the total key count across the sequence.
func (s Sequence) Keys() int {
	total := 0
	for _, chunk := range s {
		total += chunk.Steno.Keys()
	}
	return total
}

// Suggester finds stroke sequences for arbitrary text.
type Suggester struct {
	dict Dictionary
}

// NewSuggester creates a suggester over the given dictionary surface.
func NewSuggester(dict Dictionary) *Suggester {
	return &Suggester{dict: dict}
}

// Suggest returns every discoverable stroke sequence for the text, best
// first: fewest total strokes, then fewest total keys. The search splits the
// token stream greedily from the longest dictionary-coverable prefix down,
// so multi-word entries ("as well as") are preferred over per-word strokes.
// An empty result means some part of the text has no dictionary entry.
func (s *Suggester) Suggest(text string) []Sequence {
	words := tokenPattern.FindAllString(text, -1)

	solver := &solver{
		dict: s.dict,
		memo: make(map[string][]Sequence),
	}
	sequences := solver.solve(words)

	sort.SliceStable(sequences, func(i, j int) bool {
		a, b := sequences[i], sequences[j]
		if a.Strokes() != b.Strokes() {
			return a.Strokes() < b.Strokes()
		}
		return a.Keys() < b.Keys()
	})
	return sequences
}

// solver carries the per-call memo table for the split search.
type solver struct {
	dict Dictionary
	memo map[string][]Sequence
}

// memoKey builds a collision-free key for a word suffix.
func memoKey(words []string) string {
	return strings.Join(words, "\x00")
}

// solve finds every stroke sequence covering words. The empty input has
// exactly one solution: the empty sequence.
func (sv *solver) solve(words []string) []Sequence {
	if len(words) == 0 {
		return []Sequence{{}}
	}
	key := memoKey(words)
	if cached, ok := sv.memo[key]; ok {
		return cached
	}

	maxLen := len(words)
	if longest := sv.dict.LongestKey(); longest < maxLen {
		maxLen = longest
	}

	var all []Sequence
	for i := maxLen; i >= 1; i-- {
		phrase := strings.Join(words[:i], " ")
		options := sv.stenoForPhrase(phrase)
		if len(options) == 0 {
			continue
		}
		for _, suffix := range sv.solve(words[i:]) {
			seq := make(Sequence, 0, len(suffix)+1)
			seq = append(seq, Chunk{Text: phrase, Steno: options[0]})
			seq = append(seq, suffix...)
			all = append(all, seq)
		}
	}

	sv.memo[key] = all
	return all
}

// stenoForPhrase collects candidate outlines for one phrase, best first.
// Beyond the direct entry it tries three fallbacks: the braced command form
// for single punctuation characters, the lowercase entry with a cap-next
// stroke prepended, and digit-by-digit composition for numbers.
func (sv *solver) stenoForPhrase(phrase string) []Outline {
	direct := make(map[string]bool)
	combined := make(map[string]Outline)

	add := func(o Outline, isDirect bool) {
		key := o.String()
		if isDirect {
			direct[key] = true
		}
		if _, ok := combined[key]; !ok {
			combined[key] = o
		}
	}

	for _, o := range sv.dict.ReverseLookup(phrase) {
		add(o, true)
	}

	// Single punctuation characters often live in dictionaries as braced
	// command entries, e.g. "{.}" rather than ".".
	if r, size := utf8.DecodeRuneInString(phrase); size == len(phrase) && size > 0 {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			for _, o := range sv.dict.ReverseLookup("{" + phrase + "}") {
				add(o, true)
			}
		}
	}

	if lower := strings.ToLower(phrase); lower != phrase {
		for _, o := range sv.dict.ReverseLookup(lower) {
			capped := make(Outline, 0, len(o)+1)
			capped = append(capped, capitalizeStroke)
			capped = append(capped, o...)
			add(capped, false)
		}
	}

	if numeric := currencyStripper.Replace(phrase); isDigits(numeric) {
		if composed, ok := sv.composeDigits(numeric); ok {
			add(composed, false)
		}
	}

	if len(combined) == 0 {
		if strings.Contains(phrase, " ") {
			logger.Debug("No outline found for phrase %q", phrase)
		} else {
			// Single words are the root cause of a failed lookup.
			logger.Warn("No outline found for word %q", phrase)
		}
		return nil
	}

	outlines := make([]Outline, 0, len(combined))
	for _, o := range combined {
		outlines = append(outlines, o)
	}
	sort.Slice(outlines, func(i, j int) bool {
		a, b := outlines[i], outlines[j]
		aDirect, bDirect := direct[a.String()], direct[b.String()]
		if aDirect != bDirect {
			return aDirect
		}
		if a.Strokes() != b.Strokes() {
			return a.Strokes() < b.Strokes()
		}
		if a.Keys() != b.Keys() {
			return a.Keys() < b.Keys()
		}
		return a.String() < b.String()
	})
	return outlines
}

// composeDigits builds one outline by concatenating the briefest outline of
// each digit. Fails if any digit has no entry.
func (sv *solver) composeDigits(digits string) (Outline, bool) {
	var composed Outline
	for _, digit := range digits {
		options := sv.dict.ReverseLookup(string(digit))
		if len(options) == 0 {
			return nil, false
		}
		sortOutlines(options)
		composed = append(composed, options[0]...)
	}
	return composed, true
}

// isDigits reports whether the string is non-empty and all digits.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
