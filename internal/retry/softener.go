package retry

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed softening.yaml
var defaultTable []byte

const (
	tagsField           = "safety_tags"
	cinematographyField = "cinematography"
)

// Table is the softening configuration.
type Table struct {
	SafetyTags           []string       `yaml:"safety_tags"`
	CinematographyPrefix string         `yaml:"cinematography_prefix"`
	Substitutions        []Substitution `yaml:"substitutions"`
}

type Substitution struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Softener rewrites prompts progressively by retry tier.
type Softener struct {
	table   Table
	pattern *regexp.Regexp
	subs    map[string]string
}

// ParseTable decodes a YAML softening table.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("failed to parse softening table: %w", err)
	}
	return t, nil
}

func NewSoftener(t Table) *Softener {
	s := &Softener{table: t, subs: make(map[string]string, len(t.Substitutions))}

	terms := make([]string, 0, len(t.Substitutions))
	for _, sub := range t.Substitutions {
		from := strings.ToLower(strings.TrimSpace(sub.From))
		if from == "" {
			continue
		}
		if _, dup := s.subs[from]; !dup {
			terms = append(terms, regexp.QuoteMeta(from))
		}
		s.subs[from] = sub.To
	}
	if len(terms) > 0 {
		sort.Slice(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
		s.pattern = regexp.MustCompile(`(?i)\b(` + strings.Join(terms, "|") + `)\b`)
	}
	return s
}

// DefaultSoftener uses the embedded table.
func DefaultSoftener() *Softener {
	t, err := ParseTable(defaultTable)
	if err != nil {
		panic(err)
	}
	return NewSoftener(t)
}

// Soften returns prompt rewritten for tier: tier 0 is unchanged, tier 1
// adds safety tags (and a cinematography prefix for JSON prompts), tier 2
// and above also substitute sensitive words in every string field.
func (s *Softener) Soften(prompt string, tier int) string {
	if tier <= 0 {
		return prompt
	}
	prompt = norm.NFC.String(prompt)
	if isJSONObject(prompt) {
		return s.softenJSON(prompt, tier)
	}

	if tier >= 2 {
		prompt = s.Substitute(prompt)
	}
	return s.appendTags(prompt)
}

func (s *Softener) appendTags(prompt string) string {
	var missing []string
	lower := strings.ToLower(prompt)
	for _, tag := range s.table.SafetyTags {
		if !strings.Contains(lower, strings.ToLower(tag)) {
			missing = append(missing, tag)
		}
	}
	if len(missing) == 0 {
		return prompt
	}
	prompt = strings.TrimRight(strings.TrimSpace(prompt), ".,")
	if prompt == "" {
		return strings.Join(missing, ", ")
	}
	return prompt + ", " + strings.Join(missing, ", ")
}

func (s *Softener) softenJSON(prompt string, tier int) string {
	out := prompt
	if tier >= 2 {
		out = s.substituteJSON(out)
	}

	tags := append([]string(nil), s.table.SafetyTags...)
	for _, existing := range gjson.Get(out, tagsField).Array() {
		if v := existing.String(); v != "" && !containsFold(tags, v) {
			tags = append(tags, v)
		}
	}
	if updated, err := sjson.Set(out, tagsField, tags); err == nil {
		out = updated
	}

	if prefix := s.table.CinematographyPrefix; prefix != "" {
		current := gjson.Get(out, cinematographyField)
		switch {
		case !current.Exists():
			out, _ = sjson.Set(out, cinematographyField, prefix)
		case current.Type == gjson.String && !strings.HasPrefix(current.String(), prefix):
			out, _ = sjson.Set(out, cinematographyField, prefix+" "+current.String())
		}
	}
	return out
}

// substituteJSON rewrites every string leaf, recursing through objects and
// arrays, while keeping key order.
func (s *Softener) substituteJSON(doc string) string {
	type leaf struct{ path, value string }
	var leaves []leaf

	var walk func(v gjson.Result, path string)
	walk = func(v gjson.Result, path string) {
		switch {
		case v.IsObject() || v.IsArray():
			i := 0
			v.ForEach(func(key, child gjson.Result) bool {
				seg := strconv.Itoa(i)
				if v.IsObject() {
					seg = escapePathKey(key.String())
				}
				walk(child, joinPath(path, seg))
				i++
				return true
			})
		case v.Type == gjson.String:
			if replaced := s.Substitute(v.String()); replaced != v.String() {
				leaves = append(leaves, leaf{path, replaced})
			}
		}
	}
	walk(gjson.Parse(doc), "")

	for _, l := range leaves {
		if updated, err := sjson.Set(doc, l.path, l.value); err == nil {
			doc = updated
		}
	}
	return doc
}

// Substitute replaces table terms in text, keeping a leading capital.
func (s *Softener) Substitute(text string) string {
	if s.pattern == nil {
		return text
	}
	text = norm.NFC.String(text)
	return s.pattern.ReplaceAllStringFunc(text, func(m string) string {
		to, ok := s.subs[strings.ToLower(m)]
		if !ok {
			return m
		}
		if r, _ := utf8.DecodeRuneInString(m); unicode.IsUpper(r) {
			return capitalize(to)
		}
		return to
	})
}

func isJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && gjson.Valid(s)
}

func escapePathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func joinPath(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "." + seg
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
