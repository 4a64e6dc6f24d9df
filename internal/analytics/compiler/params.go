package compiler

import (
	"fmt"
	"strings"
	"unicode"
)

// paramSet accumulates named query parameters. A fresh set is created for
// every compilation, so the per-prefix counters reset and compiling the same
// spec twice yields byte-identical output.
type paramSet struct {
	counters map[string]int
	values   map[string]any
}

func newParamSet() *paramSet {
	return &paramSet{
		counters: map[string]int{},
		values:   map[string]any{},
	}
}

// fixed binds a well-known parameter (projectId, currentStart, ...) and
// returns its placeholder.
func (p *paramSet) fixed(name string, v any) string {
	p.values[name] = v
	return "$" + name
}

// next binds a value under the given prefix with a monotonic suffix
// (topicIds_0, topicIds_1, ...) and returns its placeholder. Prefixes are
// namespaced per filter field so several filters of the same kind never
// collide.
func (p *paramSet) next(prefix string, v any) string {
	name := fmt.Sprintf("%s_%d", prefix, p.counters[prefix])
	p.counters[prefix]++
	p.values[name] = v
	return "$" + name
}

// nextPair binds a key/value pair for nested metadata filters, producing
// placeholders like $metaValues_0_key / $metaValues_0.
func (p *paramSet) nextPair(prefix string, key any, v any) (string, string) {
	n := p.counters[prefix]
	p.counters[prefix]++
	keyName := fmt.Sprintf("%s_%d_key", prefix, n)
	valName := fmt.Sprintf("%s_%d", prefix, n)
	p.values[keyName] = key
	p.values[valName] = v
	return "$" + keyName, "$" + valName
}

func (p *paramSet) params() map[string]any { return p.values }

// paramPrefix turns a dotted filter-field id into a placeholder prefix:
// "metadata.user_id" -> "metadataUserId".
func paramPrefix(field string) string {
	segs := strings.FieldsFunc(field, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(segs) == 0 {
		return "f"
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(segs[0][:1]) + segs[0][1:])
	for _, s := range segs[1:] {
		b.WriteString(strings.ToUpper(s[:1]) + s[1:])
	}
	prefix := b.String()
	if !unicode.IsLetter(rune(prefix[0])) {
		prefix = "f" + prefix
	}
	return prefix
}

// intermediateAlias derives the named-intermediate alias for a pipeline
// series from its dotted metric id. SQL identifiers may not start with a
// digit, so such ids are prefixed rather than quoted.
func intermediateAlias(metric string) string {
	var b strings.Builder
	for _, r := range metric {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	alias := b.String()
	if alias == "" {
		alias = "agg"
	}
	if unicode.IsDigit(rune(alias[0])) {
		alias = "agg_" + alias
	}
	return alias
}
