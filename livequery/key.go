package livequery

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a query key identifies one logical read: ordered path segments plus an
// optional filter map on the final segment,
// e.g. ["matters", "list"] {status: open, priority: high}.
// keys with the same segments and filters normalize to the same string
// no matter what order the filter map was built in.
type QueryKey struct {
	Segments []string       `json:"segments"`
	Filters  map[string]any `json:"filters,omitempty"`
}

func NewQueryKey(segments ...string) QueryKey {
	return QueryKey{
		Segments: segments,
	}
}

func (self QueryKey) WithFilters(filters map[string]any) QueryKey {
	return QueryKey{
		Segments: slices.Clone(self.Segments),
		Filters:  maps.Clone(filters),
	}
}

// stable canonical encoding. used as the map key everywhere in the store.
func (self QueryKey) Normalize() string {
	parts := []string{}
	for _, segment := range self.Segments {
		parts = append(parts, escapeKeyPart(segment))
	}
	if 0 < len(self.Filters) {
		filterKeys := maps.Keys(self.Filters)
		slices.Sort(filterKeys)
		filterParts := []string{}
		for _, filterKey := range filterKeys {
			filterParts = append(filterParts, fmt.Sprintf(
				"%s=%s",
				escapeKeyPart(filterKey),
				escapeKeyPart(formatFilterValue(self.Filters[filterKey])),
			))
		}
		parts = append(parts, fmt.Sprintf("{%s}", strings.Join(filterParts, ",")))
	}
	return strings.Join(parts, "/")
}

func (self QueryKey) String() string {
	return self.Normalize()
}

// hierarchical prefix match. a prefix ["matters"] matches
// ["matters", "list", ...] and ["matters", "detail", "42"] alike.
// prefix filters, when present, must all match the key's filters.
func (self QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(self.Segments) < len(prefix.Segments) {
		return false
	}
	for i, segment := range prefix.Segments {
		if self.Segments[i] != segment {
			return false
		}
	}
	for filterKey, filterValue := range prefix.Filters {
		value, ok := self.Filters[filterKey]
		if !ok {
			return false
		}
		if formatFilterValue(value) != formatFilterValue(filterValue) {
			return false
		}
	}
	return true
}

func (self QueryKey) Equal(other QueryKey) bool {
	return self.Normalize() == other.Normalize()
}

// json numbers decode as float64. format integral floats without the
// trailing ".0" so a key round-tripped through json normalizes identically.
func formatFilterValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return formatFilterValue(float64(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

func escapeKeyPart(part string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"/", "\\/",
		"{", "\\{",
		"}", "\\}",
		",", "\\,",
		"=", "\\=",
	)
	return replacer.Replace(part)
}
