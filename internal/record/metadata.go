package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeMetadata serializes caller-supplied metadata to the JSON string
// stored on a Record. Scalar values pass through; anything else is
// stringified so a record can always be persisted.
func EncodeMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "{}"
	}
	normalized := make(map[string]any, len(metadata))
	for key, value := range metadata {
		switch value.(type) {
		case string, bool, int, int32, int64, float32, float64, nil:
			normalized[key] = value
		default:
			normalized[key] = fmt.Sprint(value)
		}
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// DecodeMetadataMap decodes a JSON metadata string into a generic map.
// Returns nil for empty input or JSON parse errors.
func DecodeMetadataMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}

// MetadataString extracts a trimmed string value from a metadata map.
func MetadataString(metadata map[string]any, key string) string {
	if len(metadata) == 0 {
		return ""
	}
	raw, ok := metadata[key]
	if !ok {
		return ""
	}
	value, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// MetadataInt64 extracts an int64 value from a metadata map key, handling
// float64, int, int64, json.Number, and string representations.
func MetadataInt64(metadata map[string]any, key string) (int64, bool) {
	if len(metadata) == 0 {
		return 0, false
	}
	raw, ok := metadata[key]
	if !ok {
		return 0, false
	}
	switch typed := raw.(type) {
	case float64:
		return int64(typed), true
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
