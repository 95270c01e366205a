package activity

import (
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// lookupPath resolves a dotted field path ("profile.address.city") against a
// decoded document. It understands bson.M and plain string-keyed maps at every
// level; anything else terminates the walk.
func lookupPath(doc interface{}, path string) (interface{}, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case bson.M:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// pickFields extracts the given dotted paths from a document into a flat map
// keyed by the paths themselves. Missing fields are skipped.
func pickFields(doc interface{}, fields []string) bson.M {
	out := bson.M{}
	for _, f := range fields {
		if v, ok := lookupPath(doc, f); ok {
			out[f] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// modifiedFields returns the subset of tracked paths whose values differ
// between the pre- and post-images of a document.
func modifiedFields(pre, post interface{}, tracked []string) []string {
	var changed []string
	for _, f := range tracked {
		before, okBefore := lookupPath(pre, f)
		after, okAfter := lookupPath(post, f)
		if okBefore != okAfter || !reflect.DeepEqual(before, after) {
			changed = append(changed, f)
		}
	}
	return changed
}

// computeDiff builds the {field: {from, to}} map for the given changed paths.
func computeDiff(pre, post interface{}, changed []string) map[string]Change {
	diff := make(map[string]Change, len(changed))
	for _, f := range changed {
		before, _ := lookupPath(pre, f)
		after, _ := lookupPath(post, f)
		diff[f] = Change{From: before, To: after}
	}
	return diff
}

// pathsOverlap reports whether two dotted paths reference overlapping data:
// they are equal, or one is an ancestor of the other at a dot boundary
// (setting "profile" touches "profile.name", and vice versa).
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// updateTargets inspects a query-style update document and returns the tracked
// paths it touches plus the update operators involved. Operator documents
// ($set, $unset, $inc, ...) contribute their field keys; a plain replacement
// document contributes its top-level keys with an empty operator.
func updateTargets(update interface{}, tracked []string) (fields []string, operators []string) {
	touched := map[string]struct{}{}
	opSet := map[string]struct{}{}

	collect := func(op string, doc interface{}) {
		keys := documentKeys(doc)
		if len(keys) == 0 {
			return
		}
		if op != "" {
			opSet[op] = struct{}{}
		}
		for _, key := range keys {
			for _, tf := range tracked {
				if pathsOverlap(key, tf) {
					touched[tf] = struct{}{}
				}
			}
		}
	}

	switch u := update.(type) {
	case bson.M:
		for k, v := range u {
			if strings.HasPrefix(k, "$") {
				collect(k, v)
			} else {
				collect("", bson.M{k: v})
			}
		}
	case bson.D:
		for _, e := range u {
			if strings.HasPrefix(e.Key, "$") {
				collect(e.Key, e.Value)
			} else {
				collect("", bson.M{e.Key: e.Value})
			}
		}
	case map[string]interface{}:
		return updateTargets(bson.M(u), tracked)
	}

	for _, tf := range tracked {
		if _, ok := touched[tf]; ok {
			fields = append(fields, tf)
		}
	}
	for op := range opSet {
		operators = append(operators, op)
	}
	return fields, operators
}

// documentKeys returns the top-level keys of an update operator's argument.
func documentKeys(doc interface{}) []string {
	switch d := doc.(type) {
	case bson.M:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		return keys
	case bson.D:
		keys := make([]string, 0, len(d))
		for _, e := range d {
			keys = append(keys, e.Key)
		}
		return keys
	case map[string]interface{}:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		return keys
	}
	return nil
}

// stringValue extracts a string field (commonly "userId") from an update's
// $set payload, a replacement document, or a query filter. Used by the
// query-style update path to recover the acting user.
func stringValue(doc interface{}, key string) string {
	switch d := doc.(type) {
	case bson.M:
		if v, ok := d[key].(string); ok {
			return v
		}
		if set, ok := d["$set"]; ok {
			if v := stringValue(set, key); v != "" {
				return v
			}
		}
	case bson.D:
		for _, e := range d {
			if e.Key == key {
				if v, ok := e.Value.(string); ok {
					return v
				}
			}
			if e.Key == "$set" {
				if v := stringValue(e.Value, key); v != "" {
					return v
				}
			}
		}
	case map[string]interface{}:
		return stringValue(bson.M(d), key)
	}
	return ""
}
