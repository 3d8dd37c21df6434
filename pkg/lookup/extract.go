package lookup

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Pair is a key/value candidate produced by a Strategy.
type Pair struct {
	Key   string
	Value string
}

// Strategy turns one line into zero or more pairs. ok reports whether the
// strategy recognised the line; when it did, the chain stops there even if
// no pair came out. Otherwise the next strategy is tried.
type Strategy func(line string) (pairs []Pair, ok bool)

// DefaultStrategies is the fallback chain: structured first, then delimiters.
var DefaultStrategies = []Strategy{StructuredStrategy, DelimitedStrategy}

// Separators are tried in this order by DelimitedStrategy.
var Separators = []string{",", ":", "|", "\t", " "}

// Field names read from the elements of a JSON array.
var (
	KeyFields   = []string{"key", "id", "uid", "user_id", "username", "name"}
	ValueFields = []string{"value", "phone", "phone_number", "mobile", "number"}
)

// Sink receives extracted pairs.
type Sink interface {
	Insert(key, value string) error
}

// ExtractStats counts what one Extract call did.
type ExtractStats struct {
	Lines    int
	Inserted int
	Skipped  int
}

// Extractor parses text windows line by line into a Sink.
type Extractor struct {
	strategies []Strategy
	sink       Sink
}

// NewExtractor creates an extractor. Nil strategies means DefaultStrategies.
func NewExtractor(sink Sink, strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	return &Extractor{strategies: strategies, sink: sink}
}

// Extract processes every newline-separated line of text. Blank lines are
// ignored; lines yielding no pair count as skipped.
func (e *Extractor) Extract(text string) ExtractStats {
	var st ExtractStats
	for len(text) > 0 {
		line := text
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			line, text = text[:i], text[i+1:]
		} else {
			text = ""
		}

		line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
		if line == "" {
			continue
		}
		st.Lines++

		pairs := e.ExtractLine(line)
		if len(pairs) == 0 {
			st.Skipped++
			continue
		}
		for _, p := range pairs {
			if err := e.sink.Insert(p.Key, p.Value); err != nil {
				st.Skipped++
				continue
			}
			st.Inserted++
		}
	}
	return st
}

// ExtractLine returns the pairs of the first strategy that recognises line.
func (e *Extractor) ExtractLine(line string) []Pair {
	for _, s := range e.strategies {
		if pairs, ok := s(line); ok {
			return pairs
		}
	}
	return nil
}

// StructuredStrategy parses lines starting with '{' or '['. Objects yield
// every field as a pair; arrays yield one pair per element that carries a
// known key field and value field. Any line that decodes as a JSON object or
// array is claimed, so an empty document is skipped rather than split.
func StructuredStrategy(line string) ([]Pair, bool) {
	if line == "" || (line[0] != '{' && line[0] != '[') {
		return nil, false
	}

	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}

	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var pairs []Pair
		for _, k := range keys {
			if val := stringify(t[k]); k != "" && val != "" {
				pairs = append(pairs, Pair{Key: k, Value: val})
			}
		}
		return pairs, true

	case []any:
		var pairs []Pair
		for _, elem := range t {
			obj, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			key := firstField(obj, KeyFields)
			val := firstField(obj, ValueFields)
			if key != "" && val != "" {
				pairs = append(pairs, Pair{Key: key, Value: val})
			}
		}
		return pairs, true
	}
	return nil, false
}

// DelimitedStrategy splits on the first separator that yields two non-empty
// tokens and returns them as key and value.
func DelimitedStrategy(line string) ([]Pair, bool) {
	for _, sep := range Separators {
		if !strings.Contains(line, sep) {
			continue
		}
		var tokens []string
		for _, tok := range strings.Split(line, sep) {
			if tok = cleanToken(tok); tok != "" {
				tokens = append(tokens, tok)
				if len(tokens) == 2 {
					return []Pair{{Key: tokens[0], Value: tokens[1]}}, true
				}
			}
		}
	}
	return nil, false
}

func cleanToken(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

func firstField(obj map[string]any, names []string) string {
	for _, name := range names {
		if v, ok := obj[name]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
