package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MalformedError describes oracle text that could not be turned into the
// requested structure. Raw is for operator logs only.
type MalformedError struct {
	// Offset is the byte position of the first parse failure within the extracted payload.
	Offset int64
	Reason string
	Raw    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed oracle response at offset %d: %s", e.Offset, e.Reason)
}

// ExtractJSON finds the JSON object or array embedded in raw oracle text and
// decodes it into v. Prose around the payload and markdown fences are ignored;
// a fenced block is tried before the surrounding text. Trailing commas and
// stray control characters are repaired; anything else fails with
// *MalformedError.
func ExtractJSON(raw string, v any) error {
	text := strings.TrimSpace(raw)
	sources := []string{text}
	if body, ok := fenceBody(text); ok {
		sources = []string{body, text}
	}

	var firstErr error
	for _, src := range sources {
		err := decodePayload(src, raw, v)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// decodePayload locates the payload in text, repairs it if needed and decodes
// it into v.
func decodePayload(text, raw string, v any) error {
	payload, err := locatePayload(text, raw)
	if err != nil {
		return err
	}

	candidates := []string{payload}
	if fixed := stripTrailingCommas(payload); fixed != payload {
		candidates = append(candidates, fixed)
	}
	if fixed := stripControlChars(candidates[len(candidates)-1]); fixed != candidates[len(candidates)-1] {
		candidates = append(candidates, fixed)
	}

	var firstErr error
	for _, c := range candidates {
		var msg json.RawMessage
		err := json.Unmarshal([]byte(c), &msg)
		if err == nil {
			if err := json.Unmarshal(msg, v); err != nil {
				return malformed(err, raw)
			}
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return malformed(firstErr, raw)
}

func malformed(err error, raw string) *MalformedError {
	me := &MalformedError{Reason: err.Error(), Raw: raw}
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	switch {
	case errors.As(err, &se):
		me.Offset = se.Offset
	case errors.As(err, &te):
		me.Offset = te.Offset
	}
	return me
}

// locatePayload returns the first balanced JSON object or array in text.
func locatePayload(text, raw string) (string, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", &MalformedError{Reason: "no JSON object or array found", Raw: raw}
	}
	open, closer := byte('{'), byte('}')
	if text[start] == '[' {
		open, closer = '[', ']'
	}

	if end := balancedEnd(text, start, open, closer); end > 0 {
		return text[start:end], nil
	}

	// Unbalanced: fall back to the last closing delimiter.
	end := strings.LastIndexByte(text, closer) + 1
	if end <= start {
		return "", &MalformedError{Offset: int64(len(text) - start), Reason: "unterminated JSON payload", Raw: raw}
	}
	return text[start:end], nil
}

// balancedEnd scans from start and returns the index just past the delimiter
// that closes text[start], or -1. Delimiters inside string literals are ignored.
func balancedEnd(text string, start int, open, closer byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// fenceBody returns the body of the first ``` fenced block if it holds a JSON
// payload.
func fenceBody(text string) (string, bool) {
	idx := strings.Index(text, "```")
	if idx < 0 {
		return "", false
	}
	body := text[idx+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	if !strings.ContainsAny(body, "{[") {
		return "", false
	}
	return strings.TrimSpace(body), true
}

// stripTrailingCommas drops commas that directly precede a closing delimiter.
// Commas inside string literals are kept.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == ',':
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// Score decodes a JSON number or a numeric string such as "7.5".
type Score float64

func (s *Score) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if i := strings.IndexByte(str, '/'); i >= 0 {
			str = strings.TrimSpace(str[:i])
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("score %q is not a number", str)
		}
		*s = Score(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*s = Score(f)
	return nil
}

// OptionalScore distinguishes an absent score from zero.
type OptionalScore struct {
	Value Score
	Set   bool
}

func (o *OptionalScore) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	if err := o.Value.UnmarshalJSON(b); err != nil {
		return err
	}
	o.Set = true
	return nil
}
