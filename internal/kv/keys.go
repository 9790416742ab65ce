package kv

import "strings"

// Separator joins the segments of a hierarchical key.
const Separator = "/"

// ValidateKey checks that raw is a well-formed key: one or more non-empty
// segments joined by single separators. Accepted keys are returned as-is,
// so validating a validated key is a no-op.
func ValidateKey(raw string) (string, error) {
	switch {
	case raw == "":
		return "", &InvalidKeyError{Key: raw, Reason: "empty key"}
	case strings.HasPrefix(raw, Separator):
		return "", &InvalidKeyError{Key: raw, Reason: "leading separator"}
	case strings.HasSuffix(raw, Separator):
		return "", &InvalidKeyError{Key: raw, Reason: "trailing separator"}
	case strings.Contains(raw, Separator+Separator):
		return "", &InvalidKeyError{Key: raw, Reason: "empty segment"}
	}
	return raw, nil
}

func splitKey(key string) []string {
	return strings.Split(key, Separator)
}

func joinKey(path []string) string {
	return strings.Join(path, Separator)
}

// underPrefix reports whether key equals prefix or lies below it. The empty
// prefix matches every key.
func underPrefix(key, prefix string) bool {
	if prefix == "" || key == prefix {
		return true
	}
	return strings.HasPrefix(key, prefix+Separator)
}
