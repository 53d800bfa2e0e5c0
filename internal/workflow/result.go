package workflow

import "fmt"

// Result is the uniform return value of every engine operation. Expected
// failures never cross the engine boundary as errors: Success is false and
// Reason carries a human-readable cause instead.
type Result struct {
	Success bool           `json:"success"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// OK returns a successful result with an optional payload.
func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Failf returns a failed result with a formatted reason.
func Failf(format string, args ...any) Result {
	return Result{Success: false, Reason: fmt.Sprintf(format, args...)}
}

// Fail returns a failed result carrying the given reason.
func Fail(reason string) Result {
	return Result{Success: false, Reason: reason}
}

// Int reads an integer payload value, defaulting to zero.
func (r Result) Int(key string) int {
	if r.Data == nil {
		return 0
	}
	if v, ok := r.Data[key].(int); ok {
		return v
	}
	return 0
}
