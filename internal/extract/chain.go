package extract

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Rule is one named extractor in a priority chain.
type Rule[T any] struct {
	Name    string
	Extract func(doc gjson.Result) (T, bool)
}

// Chain is an ordered list of rules; the first rule that succeeds wins.
type Chain[T any] []Rule[T]

// Resolve runs the rules in order and returns the first hit together with
// the name of the rule that produced it.
func (c Chain[T]) Resolve(doc gjson.Result) (T, string, bool) {
	for _, r := range c {
		if v, ok := r.Extract(doc); ok {
			return v, r.Name, true
		}
	}
	var zero T
	return zero, "", false
}

// UUIDAt extracts a value at path that is itself a well-formed UUID.
func UUIDAt(path string) Rule[string] {
	return Rule[string]{
		Name: path,
		Extract: func(doc gjson.Result) (string, bool) {
			v := doc.Get(path)
			if v.Type != gjson.String || !IsUUID(v.String()) {
				return "", false
			}
			return strings.ToLower(strings.TrimSpace(v.String())), true
		},
	}
}

// StringAt extracts a non-blank string at path.
func StringAt(path string) Rule[string] {
	return Rule[string]{
		Name: path,
		Extract: func(doc gjson.Result) (string, bool) {
			v := doc.Get(path)
			if v.Type != gjson.String {
				return "", false
			}
			s := strings.TrimSpace(v.String())
			return s, s != ""
		},
	}
}

// ObjectAt extracts the JSON object at path.
func ObjectAt(path string) Rule[gjson.Result] {
	return Rule[gjson.Result]{
		Name: path,
		Extract: func(doc gjson.Result) (gjson.Result, bool) {
			v := doc.Get(path)
			return v, v.IsObject()
		},
	}
}

// Func wraps an arbitrary extractor as a named rule.
func Func[T any](name string, f func(doc gjson.Result) (T, bool)) Rule[T] {
	return Rule[T]{Name: name, Extract: f}
}
