package activity

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Sanitizer receives a meta key-value pair and returns the value to persist.
// Used to redact or transform sensitive data before a record is written.
type Sanitizer func(key string, value interface{}) interface{}

// defaultSanitizers contains the built-in redaction rules applied to every
// record's meta before persistence:
//   - "email": redacts the local part (e.g. "a****@example.com")
//   - "password": replaced with a static "****" regardless of value
var defaultSanitizers = map[string]Sanitizer{
	"email": func(key string, value interface{}) interface{} {
		if v, ok := value.(string); ok {
			parts := strings.Split(v, "@")
			if len(parts) == 2 && len(parts[0]) > 0 {
				return parts[0][:1] + "****@" + parts[1]
			}
		}
		return value
	},
	"password": func(key string, value interface{}) interface{} {
		return "****"
	},
}

// RegisterSanitizer adds or replaces the redaction rule for a meta key.
// Not safe for concurrent use with in-flight logging; register sanitizers
// during process startup.
func RegisterSanitizer(key string, s Sanitizer) {
	defaultSanitizers[key] = s
}

// sanitizeMeta returns a copy of meta with the registered redaction rules
// applied to matching top-level keys.
func sanitizeMeta(meta bson.M) bson.M {
	out := make(bson.M, len(meta))
	for k, v := range meta {
		if s, ok := defaultSanitizers[k]; ok {
			out[k] = s(k, v)
		} else {
			out[k] = v
		}
	}
	return out
}
