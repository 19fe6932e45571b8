// Package script runs optional per-webhook transform scripts. A subscriber
// may attach a small JavaScript snippet that rewrites the event data or
// extra headers before the payload is signed and sent, or drops the
// delivery entirely by returning null.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Input is the event view handed to transform().
type Input struct {
	EventType string            `json:"event_type"`
	Data      map[string]any    `json:"data"`
	Headers   map[string]string `json:"headers"`
}

// Output is what transform() produced. Dropped means the script returned
// null and no delivery should be created for this subscriber.
type Output struct {
	Data    map[string]any
	Headers map[string]string
	Dropped bool
}

// Validate checks that the script compiles and exports a 'transform'
// function. Used at config create/update time so broken scripts are
// rejected synchronously.
func Validate(src string) error {
	if len(src) > maxScriptSize {
		return ErrScriptTooLarge
	}
	vm := goja.New()
	if _, err := vm.RunString(src); err != nil {
		return fmt.Errorf("script compilation error: %w", err)
	}
	if _, ok := goja.AssertFunction(vm.Get("transform")); !ok {
		return ErrNoTransform
	}
	return nil
}

// Run executes transform(event) under a hard timeout.
func Run(src string, input Input) (out *Output, err error) {
	if len(src) > maxScriptSize {
		return nil, ErrScriptTooLarge
	}

	// vm.Interrupt surfaces as a panic inside goja
	defer func() {
		if r := recover(); r != nil {
			out = nil
			if _, ok := r.(*goja.InterruptedError); ok {
				err = ErrScriptTimeout
			} else {
				err = fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()
	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("script compilation error: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, ErrNoTransform
	}

	arg := vm.ToValue(map[string]any{
		"event_type": input.EventType,
		"data":       input.Data,
		"headers":    input.Headers,
	})
	ret, err := fn(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return &Output{Dropped: true}, nil
	}

	// Round-trip through JSON to flatten goja values into plain Go types.
	jsonBytes, err := json.Marshal(ret.Export())
	if err != nil {
		return nil, fmt.Errorf("marshal script result: %w", err)
	}
	var raw struct {
		Data    map[string]any `json:"data"`
		Headers map[string]any `json:"headers"`
	}
	if err := json.Unmarshal(jsonBytes, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal script result: %w", err)
	}

	headers := make(map[string]string, len(raw.Headers))
	for k, v := range raw.Headers {
		headers[k] = fmt.Sprintf("%v", v)
	}
	return &Output{Data: raw.Data, Headers: headers}, nil
}
