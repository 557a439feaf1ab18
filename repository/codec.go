package repository

import "encoding/json"

// decodeStringMap and friends tolerate an empty/invalid column by returning
// a nil value rather than erroring, since every JSON-encoded column here is
// an optional override with an empty-means-absent convention.

func decodeStringMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if json.Unmarshal([]byte(raw), &m) != nil {
		return nil
	}
	return m
}

func decodeIntMap(raw string) map[string]int {
	if raw == "" {
		return nil
	}
	var m map[string]int
	if json.Unmarshal([]byte(raw), &m) != nil {
		return nil
	}
	return m
}

func decodeStringSlice(raw string) []string {
	if raw == "" {
		return nil
	}
	var s []string
	if json.Unmarshal([]byte(raw), &s) != nil {
		return nil
	}
	return s
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
