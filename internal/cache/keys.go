package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/newscache/newscache/pkg/types"
)

// Key derives the deterministic durable-store key for a (type, params)
// pair: cache:<type>:<hash(sortedParams)>. Equal parameter bags yield
// identical keys regardless of insertion order.
func Key(dataType string, params types.Params) string {
	return fmt.Sprintf("cache:%s:%s", dataType, ParamsDigest(params))
}

// KeyPrefix returns the key prefix shared by every entry of a data type.
func KeyPrefix(dataType string) string {
	return fmt.Sprintf("cache:%s:", dataType)
}

// ParamsDigest hashes a parameter bag into a short stable token. Parameter
// names are sorted before concatenation so map iteration order never leaks
// into the key.
func ParamsDigest(params types.Params) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(params[name])
		sb.WriteByte('|')
	}

	return fmt.Sprintf("%016x", xxhash.Sum64String(sb.String()))
}
