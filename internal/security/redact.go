package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names that should be masked in logs.
var sensitiveFields = map[string]bool{
	"apipassword": true,
	"password":    true,
	"token":       true,
	"x-api-key":   true,
	"api_key":     true,
	"secret":      true,
}

// sensitivePatterns match credentials inside JSON bodies and query strings.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)("(?:APIPassword|Password|Token)"\s*:\s*")([^"]*)(")`),
	regexp.MustCompile(`(?i)((?:apipassword|password|token)=)([^&\s]+)()`),
}

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// MaskSensitive masks credential values embedded in a string.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			return sub[1] + MaskCredential(sub[2]) + sub[3]
		})
	}
	return result
}

// LogWithoutCredentials creates a copy of a map with credentials masked.
func LogWithoutCredentials(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch {
		case IsSensitiveField(k):
			if s, ok := v.(string); ok {
				result[k] = MaskCredential(s)
			} else {
				result[k] = "***"
			}
		default:
			if s, ok := v.(string); ok {
				result[k] = MaskSensitive(s)
			} else {
				result[k] = v
			}
		}
	}
	return result
}

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// Truncate shortens s to at most n bytes for log fields.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
