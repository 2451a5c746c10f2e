// Package sqltype decodes raw wire text into Go values keyed by the
// upstream SQL type name.
package sqltype

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Supported reports whether name is a SQL type this decoder can handle —
// used by internal/catalog to validate the source catalog at load time.
func Supported(name string) bool {
	_, ok := decoders[normalize(name)]
	return ok
}

// Decode converts raw wire text into a Go value for the given SQL type
// name. The literal "\N" must be handled by the caller (internal/wire) as
// SQL NULL before Decode is ever invoked — Decode only sees non-NULL text.
func Decode(typeName, raw string) (any, error) {
	dec, ok := decoders[normalize(typeName)]
	if !ok {
		return nil, fmt.Errorf("sqltype: unsupported type %q", typeName)
	}
	return dec(raw)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type decodeFunc func(string) (any, error)

var decoders = map[string]decodeFunc{
	"smallint":  decodeInt,
	"int2":      decodeInt,
	"integer":   decodeInt,
	"int":       decodeInt,
	"int4":      decodeInt,
	"bigint":    decodeInt,
	"int8":      decodeInt,
	"real":      decodeFloat,
	"float4":    decodeFloat,
	"double":    decodeFloat,
	"float8":    decodeFloat,
	"numeric":   decodeFloat,
	"decimal":   decodeFloat,
	"boolean":   decodeBool,
	"bool":      decodeBool,
	"text":      decodeText,
	"varchar":   decodeText,
	"char":      decodeText,
	"uuid":      decodeText,
	"jsonb":     decodeText,
	"json":      decodeText,
	"timestamp": decodeTimestamp,
	"timestamptz": decodeTimestamp,
	"date":      decodeTimestamp,
}

func decodeInt(raw string) (any, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sqltype: int: %w", err)
	}
	return v, nil
}

func decodeFloat(raw string) (any, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("sqltype: float: %w", err)
	}
	return v, nil
}

func decodeBool(raw string) (any, error) {
	switch raw {
	case "t", "true", "TRUE", "1":
		return true, nil
	case "f", "false", "FALSE", "0":
		return false, nil
	}
	return nil, fmt.Errorf("sqltype: bool: unrecognized value %q", raw)
}

func decodeText(raw string) (any, error) {
	return raw, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
}

func decodeTimestamp(raw string) (any, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return nil, fmt.Errorf("sqltype: timestamp: %w", lastErr)
}
