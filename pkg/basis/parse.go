package basis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Format selects the bundle wire encoding.
type Format string

const (
	// FormatAuto detects by the first non-whitespace byte: { or [ means
	// JSON, anything else is treated as YAML.
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseError reports where a bundle failed to decode. Line and Column are
// zero when the decoder does not provide them.
type ParseError struct {
	Format Format
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("basis: parse %s: line %d, column %d: %s", e.Format, e.Line, e.Column, e.Msg)
	case e.Line > 0:
		return fmt.Sprintf("basis: parse %s: line %d: %s", e.Format, e.Line, e.Msg)
	default:
		return fmt.Sprintf("basis: parse %s: %s", e.Format, e.Msg)
	}
}

// yaml.v3 reports positions inside the error text only.
var yamlLineRe = regexp.MustCompile(`line (\d+):`)

// Parse decodes a bundle from YAML or JSON. With FormatAuto the encoding is
// detected by the first non-whitespace byte. YAML input is normalized through
// a JSON round trip so that typed decoding and schema validation see one
// representation. There are no partial parses: any decode error returns a
// nil bundle.
func Parse(data []byte, hint Format) (*Bundle, error) {
	format := hint
	if format == FormatAuto {
		format = detectFormat(data)
	}

	doc := data
	if format == FormatYAML {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, yamlParseError(err)
		}
		var err error
		doc, err = json.Marshal(raw)
		if err != nil {
			return nil, &ParseError{Format: FormatYAML, Msg: err.Error()}
		}
	}

	var b Bundle
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, jsonParseError(format, doc, err)
	}
	b.raw = doc
	return &b, nil
}

func detectFormat(data []byte) Format {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return FormatJSON
		default:
			return FormatYAML
		}
	}
	return FormatYAML
}

func yamlParseError(err error) *ParseError {
	pe := &ParseError{Format: FormatYAML, Msg: err.Error()}
	if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
		pe.Line, _ = strconv.Atoi(m[1])
	}
	return pe
}

func jsonParseError(format Format, doc []byte, err error) *ParseError {
	pe := &ParseError{Format: format, Msg: err.Error()}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	var offset int64
	switch {
	case errors.As(err, &syn):
		offset = syn.Offset
	case errors.As(err, &typ):
		offset = typ.Offset
	default:
		return pe
	}
	// Positions come from the normalized JSON document; for YAML input the
	// YAML decoder already reported its own line numbers above.
	if format == FormatJSON && offset > 0 && offset <= int64(len(doc)) {
		pe.Line, pe.Column = lineColumn(doc, offset)
	}
	return pe
}

func lineColumn(doc []byte, offset int64) (line, col int) {
	line, col = 1, 1
	for _, c := range doc[:offset] {
		if c == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}

// Serialize encodes a bundle. FormatAuto serializes as JSON. The encoding
// round-trips through Parse up to whitespace and key order.
func Serialize(b *Bundle, format Format) ([]byte, error) {
	if b == nil {
		return nil, errors.New("basis: serialize nil bundle")
	}
	switch format {
	case FormatJSON, FormatAuto:
		return json.MarshalIndent(b, "", "  ")
	case FormatYAML:
		return yaml.Marshal(b)
	default:
		return nil, fmt.Errorf("basis: unknown format %q", format)
	}
}
