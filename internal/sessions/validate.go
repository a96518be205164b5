package sessions

import "encoding/json"

// Validate reports whether raw is a structurally sound session document.
// The check is purely shape-based: required fields present with the right
// primitive types, file encodings from the known set, subagents recursively
// valid. An unrecognized version number is invalid. Never panics.
func Validate(raw []byte) bool {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	return validateDoc(doc)
}

func validateDoc(doc map[string]any) bool {
	version, ok := intField(doc, "version")
	if !ok || version < 1 || version > CurrentVersion {
		return false
	}
	if id, ok := doc["agentId"].(string); !ok || id == "" {
		return false
	}
	if _, ok := doc["serializedAt"].(string); !ok {
		return false
	}

	conv, ok := doc["conversation"].([]any)
	if !ok {
		return false
	}
	for _, m := range conv {
		if !validateMessage(m) {
			return false
		}
	}

	if files, present := doc["files"]; present {
		list, ok := files.([]any)
		if !ok {
			return false
		}
		for _, f := range list {
			if !validateFile(f) {
				return false
			}
		}
	}

	if subs, present := doc["subagents"]; present {
		list, ok := subs.([]any)
		if !ok {
			return false
		}
		for _, s := range list {
			sub, ok := s.(map[string]any)
			if !ok || !validateDoc(sub) {
				return false
			}
		}
	}

	// Fields introduced in version 2 are only checked when the declared
	// version supports them; older documents simply ignore them.
	if version >= 2 {
		if deps, present := doc["dependencies"]; present && !validateDependencies(deps) {
			return false
		}
		if dom, present := doc["domState"]; present {
			if _, ok := dom.(map[string]any); !ok {
				return false
			}
		}
	}

	return true
}

func validateMessage(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	role, ok := m["role"].(string)
	if !ok || role == "" {
		return false
	}
	// Content may be a legacy plain string, a block list, or absent/null
	// (an empty message); all normalize at the ingestion boundary.
	switch content := m["content"].(type) {
	case nil:
		return true
	case string:
		return true
	case []any:
		for _, b := range content {
			block, ok := b.(map[string]any)
			if !ok {
				return false
			}
			if _, ok := block["type"].(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func validateFile(v any) bool {
	f, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := f["path"].(string); !ok {
		return false
	}
	if _, ok := f["content"].(string); !ok {
		return false
	}
	enc, ok := f["encoding"].(string)
	return ok && (enc == EncodingUTF8 || enc == EncodingBase64)
}

func validateDependencies(v any) bool {
	d, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, key := range []string{"skills", "extensions"} {
		list, ok := d[key].([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
	}
	return true
}

func intField(doc map[string]any, key string) (int, bool) {
	f, ok := doc[key].(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
