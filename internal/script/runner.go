package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Input is the data passed to a webhook's transform function as
// event.payload / event.headers.
type Input struct {
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// Result is the output of the transform function. Dropped is set when
// the script returned null/undefined, meaning the notification should
// not be delivered at all.
type Result struct {
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers"`
	Dropped bool              `json:"dropped"`
}

// Validate checks that the script compiles and exports a 'transform' function.
func Validate(scriptBody string) error {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}

	vm := goja.New()
	_, err := vm.RunString(scriptBody)
	if err != nil {
		return fmt.Errorf("script compilation error: %w", err)
	}

	fn := vm.Get("transform")
	if fn == nil || fn == goja.Undefined() || fn == goja.Null() {
		return ErrNoTransform
	}
	if _, ok := goja.AssertFunction(fn); !ok {
		return ErrNoTransform
	}

	return nil
}

// Run executes the transform function against an outgoing notification.
// Returns Dropped=true if the script returns null/undefined.
func Run(scriptBody string, input Input) (result *Result, err error) {
	if len(scriptBody) > maxScriptSize {
		return nil, ErrScriptTooLarge
	}

	// Recover from goja panics (e.g., from vm.Interrupt)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				result = nil
				err = ErrScriptTimeout
			} else {
				result = nil
				err = fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	_, err = vm.RunString(scriptBody)
	if err != nil {
		return nil, fmt.Errorf("script compilation error: %w", err)
	}

	transformFn := vm.Get("transform")
	if transformFn == nil || transformFn == goja.Undefined() || transformFn == goja.Null() {
		return nil, ErrNoTransform
	}

	callable, ok := goja.AssertFunction(transformFn)
	if !ok {
		return nil, ErrNoTransform
	}

	eventObj := map[string]any{
		"payload": input.Payload,
		"headers": input.Headers,
	}

	arg := vm.ToValue(eventObj)
	ret, err := callable(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	// null/undefined return means drop the notification
	if ret == nil || ret == goja.Undefined() || ret == goja.Null() {
		return &Result{Dropped: true}, nil
	}

	// Marshal the result back through JSON to get clean Go types
	exported := ret.Export()
	jsonBytes, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script result: %w", err)
	}

	var raw struct {
		Payload map[string]any `json:"payload"`
		Headers map[string]any `json:"headers"`
	}
	if err := json.Unmarshal(jsonBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal script result: %w", err)
	}

	headers := make(map[string]string, len(raw.Headers))
	for k, v := range raw.Headers {
		headers[k] = fmt.Sprintf("%v", v)
	}

	return &Result{
		Payload: raw.Payload,
		Headers: headers,
	}, nil
}
