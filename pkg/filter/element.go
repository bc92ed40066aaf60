package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const largeElementBytes = 10 * 1024

/*
Element is one leaf of a context, scored for one agent. Elements are
recomputed on every filter pass and never stored.
*/
type Element struct {
	Key               string             `json:"key"`
	Path              []string           `json:"-"`
	Content           any                `json:"content"`
	SizeBytes         int                `json:"sizeBytes"`
	Importance        float64            `json:"importance"`
	Relevance         float64            `json:"relevance"`
	Category          string             `json:"category"`
	PerAgentRelevance map[string]float64 `json:"perAgentRelevance"`

	required bool
	tokens   []string
}

/*
protected elements may push unprotected ones out of the budget.
*/
func (element *Element) protected() bool {
	return element.required || element.Importance >= 0.8
}

/*
displaces reports whether element may push other out of the budget.
*/
func (element *Element) displaces(other *Element) bool {
	if element.required {
		return !other.required
	}

	return element.protected() && !other.protected()
}

func (element *Element) rank() float64 {
	return (element.Importance + element.Relevance) / 2
}

func (element *Element) score() float64 {
	return element.Importance * (1 + element.Relevance)
}

var categoryTokens = map[string][]string{
	"task":     {"task", "tasks", "todo", "goal", "objective", "ticket", "issue"},
	"file":     {"file", "files", "path", "paths", "dir", "directory"},
	"code":     {"code", "function", "class", "module", "source", "src", "snippet"},
	"test":     {"test", "tests", "spec", "coverage", "fixture", "assert"},
	"ui":       {"ui", "component", "components", "style", "styles", "css", "layout", "view", "page", "design", "frontend"},
	"api":      {"api", "endpoint", "endpoints", "route", "routes", "handler", "request", "response", "rpc"},
	"data":     {"data", "database", "db", "schema", "table", "query", "model", "models"},
	"config":   {"config", "configuration", "settings", "env", "environment", "environments", "options"},
	"docs":     {"doc", "docs", "readme", "guide", "documentation", "changelog"},
	"deploy":   {"deploy", "deployment", "release", "pipeline", "build", "ci", "infrastructure", "docker", "kubernetes", "k8s"},
	"security": {"security", "auth", "token", "secret", "permission", "credential", "credentials"},
	"status":   {"status", "state", "progress", "health", "error", "errors"},
}

var tokenCategory = func() map[string]string {
	out := make(map[string]string)

	for category, tokens := range categoryTokens {
		for _, token := range tokens {
			out[token] = category
		}
	}

	return out
}()

var recencyTokens = map[string]bool{
	"recent": true, "recently": true, "latest": true, "updated": true, "modified": true, "timestamp": true,
}

/*
lastQualifiers are the words that turn "last" into a recency key: lastRun and
last_updated are recent activity, lastName is not.
*/
var lastQualifiers = map[string]bool{
	"run": true, "seen": true, "activity": true, "access": true, "accessed": true, "change": true,
	"changed": true, "edit": true, "edited": true, "update": true, "commit": true, "sync": true,
	"step": true, "action": true, "event": true, "message": true, "error": true, "result": true,
}

/*
flatten walks nested objects down to their leaves. Lists, scalars and empty
objects are leaves.
*/
func flatten(data map[string]any, prefix []string, out []*Element) []*Element {
	keys := make([]string, 0, len(data))

	for key := range data {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		path := append(append([]string(nil), prefix...), key)
		value := data[key]

		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			out = flatten(nested, path, out)
			continue
		}

		out = append(out, &Element{
			Key:       joinPath(path),
			Path:      path,
			Content:   value,
			SizeBytes: boundSize(path, value),
			tokens:    pathTokens(path),
		})
	}

	return out
}

var segmentEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`)

/*
joinPath builds the dotted key of a leaf. Dots and backslashes inside a
segment are escaped, so the literal key "a.b" and the nested a.b stay apart.
*/
func joinPath(path []string) string {
	segments := make([]string, len(path))

	for i, segment := range path {
		segments[i] = segmentEscaper.Replace(segment)
	}

	return strings.Join(segments, ".")
}

/*
boundSize is an upper bound of the bytes an element adds to the serialized
reassembly: every segment as a quoted key with colon and separator, braces
for every enclosing object, and the encoded value. Parents shared between
elements are counted once per element, so sums of bounds never undercount.
*/
func boundSize(path []string, value any) int {
	size := encodedLen(value)

	for i, segment := range path {
		size += encodedLen(segment) + 2

		if i < len(path)-1 {
			size += 2
		}
	}

	return size
}

func encodedLen(value any) int {
	buf, err := json.Marshal(value)

	if err != nil {
		return len(fmt.Sprint(value))
	}

	return len(buf)
}

/*
pathTokens splits every path segment into lower-case words on punctuation
and camelCase boundaries, so currentTask and current_task both yield
[current task].
*/
func pathTokens(path []string) []string {
	var tokens []string

	for _, segment := range path {
		var word []rune
		runes := []rune(segment)

		flush := func() {
			if len(word) > 0 {
				tokens = append(tokens, strings.ToLower(string(word)))
				word = word[:0]
			}
		}

		for i, r := range runes {
			switch {
			case !unicode.IsLetter(r) && !unicode.IsDigit(r):
				flush()
			case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
				flush()
				word = append(word, r)
			default:
				word = append(word, r)
			}
		}

		flush()
	}

	return tokens
}

func (element *Element) categories() []string {
	seen := make(map[string]bool)
	var out []string

	for _, token := range element.tokens {
		if category, ok := tokenCategory[token]; ok && !seen[category] {
			seen[category] = true
			out = append(out, category)
		}
	}

	return out
}

func (element *Element) hasToken(tokens ...string) bool {
	for _, have := range element.tokens {
		for _, want := range tokens {
			if have == want {
				return true
			}
		}
	}

	return false
}

/*
activeTask holds for keys naming the task being worked on, such as currentTask
or active_goals. current and active alone are not enough: activeUsers is not a
task.
*/
func (element *Element) activeTask() bool {
	if !element.hasToken("current", "active") {
		return false
	}

	for _, token := range element.tokens {
		if tokenCategory[token] == "task" {
			return true
		}
	}

	return false
}

func (element *Element) recent() bool {
	for i, token := range element.tokens {
		if recencyTokens[token] {
			return true
		}

		if token == "last" && i+1 < len(element.tokens) && lastQualifiers[element.tokens[i+1]] {
			return true
		}
	}

	return false
}

func hasPrefix(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(key, prefix) {
			return true
		}
	}

	return false
}

func clamp(value float64) float64 {
	return max(0, min(1, value))
}

func (element *Element) scoreImportance(profile *Profile) {
	importance := 0.5

	if element.required = hasPrefix(element.Key, profile.RequiredFieldPrefixes); element.required {
		importance += 0.4
	}

	if element.activeTask() {
		importance += 0.3
	}

	if element.recent() {
		importance += 0.2
	}

	if element.SizeBytes > largeElementBytes {
		importance -= 0.1
	}

	switch element.Content.(type) {
	case map[string]any, []any:
		importance += 0.1
	}

	element.Importance = clamp(importance)
}

func (element *Element) scoreRelevance(agentID string, profile *Profile) {
	relevance := 0.0

	if profile.neutral() {
		relevance = 0.5
	}

	key := strings.ToLower(element.Key)
	text := strings.ToLower(contentText(element.Content))

	for _, keyword := range profile.keywords {
		if strings.Contains(key, keyword) || strings.Contains(text, keyword) {
			relevance += 0.1
		}
	}

	values := stringValues(element.Content, nil)

	for _, g := range profile.globs {
		for _, value := range values {
			if g.Match(value) {
				relevance += 0.1
				break
			}
		}
	}

	if hasPrefix(element.Key, profile.OptionalFieldPrefixes) {
		relevance += 0.2
	}

	categories := element.categories()

	for _, category := range categories {
		relevance += profile.CategoryWeights[category] / 10
	}

	for _, prefix := range profile.ExcludedFieldPrefixes {
		if prefix != "" && strings.HasPrefix(element.Key, prefix) {
			relevance -= 0.3
		}
	}

	element.Relevance = clamp(relevance)
	element.PerAgentRelevance = map[string]float64{agentID: element.Relevance}
	element.Category = "general"

	if len(categories) > 0 {
		element.Category = categories[0]
	}
}

func contentText(content any) string {
	if s, ok := content.(string); ok {
		return s
	}

	buf, err := json.Marshal(content)

	if err != nil {
		return fmt.Sprint(content)
	}

	return string(buf)
}

func stringValues(content any, out []string) []string {
	switch value := content.(type) {
	case string:
		out = append(out, value)
	case []any:
		for _, item := range value {
			out = stringValues(item, out)
		}
	case []string:
		out = append(out, value...)
	case map[string]any:
		for _, item := range value {
			out = stringValues(item, out)
		}
	}

	return out
}

/*
Score flattens data and scores every element for agentID under profile.
*/
func Score(agentID string, profile *Profile, data map[string]any) []*Element {
	elements := flatten(data, nil, nil)

	for _, element := range elements {
		element.scoreImportance(profile)
		element.scoreRelevance(agentID, profile)
	}

	return elements
}
