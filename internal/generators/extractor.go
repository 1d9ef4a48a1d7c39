package generators

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoImageCandidate is returned when a payload holds nothing that could be an image.
var ErrNoImageCandidate = errors.New("no image candidate found in payload")

// Keys holding the image itself, tried first and in this order.
var directImageKeys = []string{"imageURL", "image_url", "imageUrl", "image", "url", "b64_json", "base64"}

// Keys holding nested structures that may contain the image.
var containerKeys = []string{"data", "output", "outputs", "images", "result", "results"}

// Candidate is either raw bytes or a string that is a URL or (data-URI) base64 text.
type Candidate struct {
	Bytes []byte
	Text  string
}

// IsURL reports whether the candidate is an HTTP(S) locator.
func (c Candidate) IsURL() bool {
	return c.Bytes == nil && isHTTPURL(c.Text)
}

// ExtractCandidate searches a JSON document for an image candidate.
// Invalid JSON is treated as raw bytes.
func ExtractCandidate(payload []byte) (Candidate, bool) {
	if len(payload) == 0 {
		return Candidate{}, false
	}
	if !gjson.ValidBytes(payload) {
		return Candidate{Bytes: payload}, true
	}
	return extractFromResult(gjson.ParseBytes(payload))
}

// ExtractCandidateFrom searches an already parsed JSON value.
func ExtractCandidateFrom(value gjson.Result) (Candidate, bool) {
	return extractFromResult(value)
}

func extractFromResult(r gjson.Result) (Candidate, bool) {
	switch {
	case r.Type == gjson.String:
		return Candidate{Text: r.Str}, true
	case r.IsArray():
		for _, item := range r.Array() {
			if c, ok := extractFromResult(item); ok {
				return c, true
			}
		}
		return Candidate{}, false
	case r.IsObject():
		return extractFromObject(r)
	}
	// null, numbers and booleans carry no image
	return Candidate{}, false
}

func extractFromObject(r gjson.Result) (Candidate, bool) {
	fields := objectFields(r)

	for _, key := range directImageKeys {
		v, ok := fields[key]
		if !ok || !truthy(v) {
			continue
		}
		if c, ok := extractFromResult(v); ok {
			return c, true
		}
	}

	for _, key := range containerKeys {
		v, ok := fields[key]
		if !ok || v.Type == gjson.Null {
			continue
		}
		if c, ok := extractFromResult(v); ok {
			return c, true
		}
	}

	var found Candidate
	var ok bool
	r.ForEach(func(_, value gjson.Result) bool {
		found, ok = extractFromResult(value)
		return !ok
	})
	return found, ok
}

// objectFields indexes an object's members by literal key; gjson paths would
// treat dots and wildcards in keys as syntax.
func objectFields(r gjson.Result) map[string]gjson.Result {
	fields := make(map[string]gjson.Result)
	r.ForEach(func(key, value gjson.Result) bool {
		if _, seen := fields[key.Str]; !seen {
			fields[key.Str] = value
		}
		return true
	})
	return fields
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.JSON:
		if v.IsArray() {
			return len(v.Array()) > 0
		}
		if v.IsObject() {
			return len(v.Map()) > 0
		}
	}
	return true
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
