package kernel

import "fmt"

// Code discriminates failure results
type Code string

const (
	CodeOK             Code = "ok"
	CodeNotFound       Code = "not_found"
	CodeValidation     Code = "validation"
	CodePolicyBlocked  Code = "policy_blocked"
	CodeExhausted      Code = "retries_exhausted"
	CodeHandlerFailure Code = "handler_failure"
	CodeCancelled      Code = "cancelled"
	CodeInternal       Code = "internal"
)

// Result is the discriminated outcome of an execution. The kernel never
// lets an error escape Execute; everything comes back as a Result.
type Result struct {
	Success  bool                   `json:"success"`
	Value    interface{}            `json:"value,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Code     Code                   `json:"code"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Request is one execution invocation
type Request struct {
	Tool      string                 `json:"tool"`
	Params    map[string]interface{} `json:"params,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Force     bool                   `json:"force,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func successResult(value interface{}) Result {
	return Result{Success: true, Value: value, Code: CodeOK}
}

func failureResult(code Code, format string, args ...interface{}) Result {
	return Result{Success: false, Code: code, Error: fmt.Sprintf(format, args...)}
}

func (r Result) withMeta(key string, value interface{}) Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}
