package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/carelytics/dataservice/types"
)

// BuildKey derives the deterministic cache key for an operation and its
// parameter set. Parameters are serialized sorted by name, so maps with the
// same pairs in different insertion order produce the same key. The operation
// name prefixes the key, which makes operation-wide invalidation a prefix
// delete.
func BuildKey(operation string, params types.Params) (string, error) {
	if operation == "" {
		return "", types.ErrCacheOperationEmpty
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(params))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, params[name]))
	}

	return KeyPrefix(operation) + hashParams(parts), nil
}

func KeyPrefix(operation string) string {
	return operation + ":"
}

func hashParams(parts []string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}
