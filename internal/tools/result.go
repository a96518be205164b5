package tools

import "encoding/json"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	IsError bool   `json:"is_error"`           // marks error
	Err     error  `json:"-"`                  // internal error (not serialized)
}

const unserializablePlaceholder = "[tool result could not be serialized]"

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

// ResultFromAny builds a result from arbitrary tool output. Strings pass
// through; anything else is JSON-encoded. Output that cannot be encoded
// becomes a placeholder rather than failing the turn.
func ResultFromAny(v any) *Result {
	switch t := v.(type) {
	case nil:
		return NewResult("")
	case string:
		return NewResult(t)
	case error:
		return ErrorResult(t.Error())
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return NewResult(unserializablePlaceholder)
		}
		return NewResult(string(raw))
	}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
