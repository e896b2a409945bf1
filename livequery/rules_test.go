package livequery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseRules(t *testing.T) {
	rules, warnings, err := parseRules([]byte(`
[[rule]]
event_type = "matter.moved"
key_prefix = ["matters"]
mode = "debounced"
debounce_ms = 100

[[rule]]
event_type = "expense.*"
key_prefix = ["expenses", "list"]
mode = "batched"

[[rule]]
event_type = "matter.deleted"
key_prefix = ["matters"]
`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(warnings), 0)
	assert.Equal(t, len(rules), 3)

	assert.Equal(t, rules[0].Mode, InvalidationModeDebounced)
	assert.Equal(t, rules[0].DebounceMs, 100)
	assert.Equal(t, rules[0].KeyPrefix.Normalize(), NewQueryKey("matters").Normalize())

	assert.Equal(t, rules[1].Mode, InvalidationModeBatched)
	assert.Equal(t, rules[1].KeyPrefix.Normalize(), NewQueryKey("expenses", "list").Normalize())

	// mode defaults to immediate
	assert.Equal(t, rules[2].Mode, InvalidationModeImmediate)
}

func TestParseRulesDebounceDefault(t *testing.T) {
	rules, _, err := parseRules([]byte(`
[[rule]]
event_type = "matter.moved"
key_prefix = ["matters"]
mode = "debounced"
`))
	assert.Equal(t, err, nil)
	assert.Equal(t, rules[0].DebounceMs, DefaultDebounceMs)
}

func TestParseRulesUnknownKeyWarns(t *testing.T) {
	rules, warnings, err := parseRules([]byte(`
[[rule]]
event_type = "matter.moved"
key_prefix = ["matters"]
mode = "immediate"
debounce = 100
`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(rules), 1)
	assert.Equal(t, len(warnings), 1)
	assert.Equal(t, strings.Contains(warnings[0], "debounce"), true)
}

func TestParseRulesBadMode(t *testing.T) {
	_, _, err := parseRules([]byte(`
[[rule]]
event_type = "matter.moved"
key_prefix = ["matters"]
mode = "eventually"
`))
	assert.NotEqual(t, err, nil)
}

func TestParseRulesMissingFields(t *testing.T) {
	_, _, err := parseRules([]byte(`
[[rule]]
key_prefix = ["matters"]
`))
	assert.NotEqual(t, err, nil)

	_, _, err = parseRules([]byte(`
[[rule]]
event_type = "matter.moved"
`))
	assert.NotEqual(t, err, nil)
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	err := os.WriteFile(path, []byte(`
[[rule]]
event_type = "matter.*"
key_prefix = ["matters"]
mode = "batched"
`), 0644)
	assert.Equal(t, err, nil)

	rules, warnings, err := LoadRules(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(warnings), 0)
	assert.Equal(t, len(rules), 1)

	_, _, err = LoadRules(filepath.Join(t.TempDir(), "missing.toml"))
	assert.NotEqual(t, err, nil)
}

func TestRuleMatchesEventType(t *testing.T) {
	exact := &InvalidationRule{EventTypePattern: EventMatterMoved}
	assert.Equal(t, exact.MatchesEventType(EventMatterMoved), true)
	assert.Equal(t, exact.MatchesEventType(EventMatterDeleted), false)

	wildcard := &InvalidationRule{EventTypePattern: "matter.*"}
	assert.Equal(t, wildcard.MatchesEventType(EventMatterMoved), true)
	assert.Equal(t, wildcard.MatchesEventType(EventMatterCreated), true)
	assert.Equal(t, wildcard.MatchesEventType(EventExpenseCreated), false)
	// the wildcard does not match its own bare prefix
	assert.Equal(t, wildcard.MatchesEventType("matter"), false)
}
