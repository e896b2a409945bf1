package livequery

import (
	"errors"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

type InvalidationMode string

const (
	InvalidationModeImmediate InvalidationMode = "immediate"
	InvalidationModeDebounced InvalidationMode = "debounced"
	InvalidationModeBatched   InvalidationMode = "batched"
)

const DefaultDebounceMs = 250

// maps an event type pattern to the query keys it touches.
// static configuration, loaded at startup, immutable at runtime.
type InvalidationRule struct {
	// exact event type, or a "matter.*" wildcard on the final part
	EventTypePattern string
	// hierarchical prefix matched against all known query keys
	KeyPrefix QueryKey
	Mode      InvalidationMode
	// only read in debounced mode
	DebounceMs int
}

func (self *InvalidationRule) MatchesEventType(eventType string) bool {
	if pattern, ok := strings.CutSuffix(self.EventTypePattern, ".*"); ok {
		return strings.HasPrefix(eventType, pattern+".")
	}
	return self.EventTypePattern == eventType
}

func (self *InvalidationRule) String() string {
	return fmt.Sprintf("%s->%s(%s)", self.EventTypePattern, self.KeyPrefix, self.Mode)
}

// the board defaults: matter changes refresh the matter queries, expense
// changes refresh the expense tables and the matter detail rollups.
// drag events come in bursts, so matter moves are debounced.
func DefaultRules() []*InvalidationRule {
	return []*InvalidationRule{
		{
			EventTypePattern: EventMatterMoved,
			KeyPrefix:        NewQueryKey("matters"),
			Mode:             InvalidationModeDebounced,
			DebounceMs:       DefaultDebounceMs,
		},
		{
			EventTypePattern: "matter.*",
			KeyPrefix:        NewQueryKey("matters"),
			Mode:             InvalidationModeBatched,
		},
		{
			EventTypePattern: "expense.*",
			KeyPrefix:        NewQueryKey("expenses"),
			Mode:             InvalidationModeBatched,
		},
		{
			EventTypePattern: "expense.*",
			KeyPrefix:        NewQueryKey("matters", "detail"),
			Mode:             InvalidationModeBatched,
		},
	}
}

type ruleConfig struct {
	EventType  string   `toml:"event_type"`
	KeyPrefix  []string `toml:"key_prefix"`
	Mode       string   `toml:"mode"`
	DebounceMs int      `toml:"debounce_ms"`
}

type rulesConfig struct {
	Rules []ruleConfig `toml:"rule"`
}

// load a rule table from a toml file of `[[rule]]` entries:
//
//	[[rule]]
//	event_type = "matter.*"
//	key_prefix = ["matters"]
//	mode = "debounced"
//	debounce_ms = 250
//
// unknown keys produce warnings, not errors, so a newer config file still
// loads on an older runtime.
func LoadRules(path string) ([]*InvalidationRule, []string, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return parseRules(configBytes)
}

func parseRules(configBytes []byte) ([]*InvalidationRule, []string, error) {
	warnings := []string{}

	var config rulesConfig
	decoder := toml.NewDecoder(strings.NewReader(string(configBytes)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		var strictErr *toml.StrictMissingError
		if !errors.As(err, &strictErr) {
			return nil, nil, fmt.Errorf("parse rules: %w", err)
		}
		for _, entry := range strictErr.Errors {
			warnings = append(warnings, fmt.Sprintf("unknown key %s", strings.Join(entry.Key(), ".")))
		}
		// re-decode without strictness
		config = rulesConfig{}
		if err := toml.Unmarshal(configBytes, &config); err != nil {
			return nil, nil, fmt.Errorf("parse rules: %w", err)
		}
	}

	rules := []*InvalidationRule{}
	for i, entry := range config.Rules {
		if entry.EventType == "" {
			return nil, warnings, fmt.Errorf("rule %d: missing event_type", i)
		}
		if len(entry.KeyPrefix) == 0 {
			return nil, warnings, fmt.Errorf("rule %d: missing key_prefix", i)
		}
		mode := InvalidationMode(entry.Mode)
		switch mode {
		case InvalidationModeImmediate, InvalidationModeDebounced, InvalidationModeBatched:
		case "":
			mode = InvalidationModeImmediate
		default:
			return nil, warnings, fmt.Errorf("rule %d: unknown mode %q", i, entry.Mode)
		}
		debounceMs := entry.DebounceMs
		if mode == InvalidationModeDebounced && debounceMs <= 0 {
			debounceMs = DefaultDebounceMs
		}
		rules = append(rules, &InvalidationRule{
			EventTypePattern: entry.EventType,
			KeyPrefix:        NewQueryKey(entry.KeyPrefix...),
			Mode:             mode,
			DebounceMs:       debounceMs,
		})
	}
	return rules, warnings, nil
}
