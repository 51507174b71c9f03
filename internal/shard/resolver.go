package shard

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/pkg/types"
)

// Resolver maps a partition key value to its tail.
// It must be deterministic across processes so existing tables stay reachable.
type Resolver func(key interface{}) (string, error)

// DefaultResolver returns the canonical-string resolver, formatting time keys with layout.
func DefaultResolver(layout string) Resolver {
	return func(key interface{}) (string, error) {
		return ResolveTail(key, layout)
	}
}

// ResolveTail converts a key to its canonical string form and normalizes it.
// No hashing or bucketing is applied.
func ResolveTail(key interface{}, layout string) (string, error) {
	if layout == "" {
		layout = types.DefaultTimeLayout
	}

	if rv := reflect.ValueOf(key); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return "", tailerrors.NewRoutingError(tailerrors.CodeInvalidKey,
			fmt.Sprintf("shard: partition key is a nil %T", key))
	}

	var s string
	switch v := key.(type) {
	case nil:
		return "", tailerrors.NewRoutingError(tailerrors.CodeInvalidKey, "shard: partition key is nil")
	case string:
		s = v
	case []byte:
		s = string(v)
	case int:
		s = strconv.FormatInt(int64(v), 10)
	case int8:
		s = strconv.FormatInt(int64(v), 10)
	case int16:
		s = strconv.FormatInt(int64(v), 10)
	case int32:
		s = strconv.FormatInt(int64(v), 10)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint:
		s = strconv.FormatUint(uint64(v), 10)
	case uint8:
		s = strconv.FormatUint(uint64(v), 10)
	case uint16:
		s = strconv.FormatUint(uint64(v), 10)
	case uint32:
		s = strconv.FormatUint(uint64(v), 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	case float32:
		s = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(v)
	case time.Time:
		s = v.UTC().Format(layout)
	case fmt.Stringer:
		s = v.String()
	default:
		var ok bool
		if s, ok = resolveKind(key); !ok {
			return "", tailerrors.NewRoutingError(tailerrors.CodeInvalidKey,
				fmt.Sprintf("shard: unsupported partition key type %T", key))
		}
	}

	return checkTail(s)
}

// resolveKind handles named types whose underlying kind is a string, integer,
// float or bool (for example `type Region string`).
func resolveKind(key interface{}) (string, bool) {
	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), true
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'f', -1, 32), true
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64), true
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), true
	default:
		return "", false
	}
}

// checkTail normalizes a resolved tail and rejects values that cannot be part
// of a table name.
func checkTail(s string) (string, error) {
	tail := types.NormalizeTail(s)
	if tail == "" {
		return "", tailerrors.NewRoutingError(tailerrors.CodeInvalidKey, "shard: partition key resolves to an empty tail")
	}
	if strings.ContainsAny(tail, "\"`[];'\\/") {
		return "", tailerrors.NewRoutingError(tailerrors.CodeInvalidKey,
			fmt.Sprintf("shard: tail %q contains characters not allowed in table names", tail))
	}
	for _, r := range tail {
		if r < 0x20 || r == 0x7f || r == ' ' {
			return "", tailerrors.NewRoutingError(tailerrors.CodeInvalidKey,
				fmt.Sprintf("shard: tail %q contains whitespace or control characters", tail))
		}
	}
	return tail, nil
}
