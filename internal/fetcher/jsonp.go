package fetcher

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/resilience"
)

// Decoded is a response body after JSONP unwrapping.
type Decoded struct {
	// Value is the parsed JSON (numbers as json.Number) or, for bodies that
	// are neither JSONP nor JSON, the body itself as a string.
	Value any
	// Raw is the JSON text, empty for opaque bodies.
	Raw string
}

// DecodeBody decodes a response body:
//
//  1. name(...) with an identifier prefix is JSONP: the body must end with the
//     matching ')' (optionally ';') and the text between the first '(' and
//     the last ')' must parse as JSON. Either failure is a DecodeError.
//  2. Otherwise a body that parses as JSON is returned as-is.
//  3. Anything else passes through as an opaque string.
//
// The callback is never evaluated.
func DecodeBody(body string) (Decoded, error) {
	trimmed := strings.TrimSpace(body)

	inner, wrapped, err := unwrapJSONP(trimmed)
	if wrapped {
		if err != nil {
			return Decoded{}, resilience.NewDecodeError(err, trimmed)
		}
		v, err := parseJSON(inner)
		if err != nil {
			return Decoded{}, resilience.NewDecodeError(eris.Wrap(err, "jsonp payload"), trimmed)
		}
		return Decoded{Value: v, Raw: inner}, nil
	}

	if v, err := parseJSON(trimmed); err == nil {
		return Decoded{Value: v, Raw: trimmed}, nil
	}

	return Decoded{Value: body}, nil
}

// unwrapJSONP extracts the payload of cb(...). wrapped reports whether s
// starts with a JS identifier (letters, digits, _, $, dots for namespaced
// callbacks) immediately followed by '('. A wrapped body that does not end
// with ')' optionally followed by ';' is an error, never an opaque body.
func unwrapJSONP(s string) (payload string, wrapped bool, err error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !isCallbackName(s[:open]) {
		return "", false, nil
	}
	end := strings.TrimRight(s, "; \t\r\n")
	closeIdx := strings.LastIndexByte(end, ')')
	if closeIdx <= open {
		return "", true, eris.Errorf("jsonp: callback %s has no closing parenthesis", s[:open])
	}
	if closeIdx != len(end)-1 {
		return "", true, eris.Errorf("jsonp: unexpected text after callback %s", s[:open])
	}
	return strings.TrimSpace(end[open+1 : closeIdx]), true, nil
}

func isCallbackName(s string) bool {
	for i, r := range s {
		switch {
		case r == '_' || r == '$' || r == '.':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func parseJSON(s string) (any, error) {
	if !json.Valid([]byte(s)) {
		var scratch any
		if err := json.Unmarshal([]byte(s), &scratch); err != nil {
			return nil, err
		}
		return nil, eris.New("invalid JSON")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ExtractPagination reads the upstream total from data.total, then total.
// Numeric strings are accepted. Missing or unparsable totals yield 0.
func ExtractPagination(raw string, pageSize int) *model.Pagination {
	if raw == "" {
		return nil
	}
	p := &model.Pagination{PageSize: pageSize}
	for _, path := range []string{"data.total", "total"} {
		res := gjson.Get(raw, path)
		if !res.Exists() {
			continue
		}
		switch res.Type {
		case gjson.Number:
			p.Total = int(res.Int())
			return p
		case gjson.String:
			if n, ok := model.ParamInt(res.String()); ok {
				p.Total = n
				return p
			}
		}
	}
	return p
}
