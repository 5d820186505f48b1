package utils

// FirstString returns the first string element of a decoded JSON array, skipping values of
// other types.
func FirstString(values []any) (string, bool) {
	for _, v := range values {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
