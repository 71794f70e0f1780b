package embedded

import (
	"context"
	"strings"
	"time"

	"github.com/forgehook/forgehook/internal/errdefs"
)

// Builtin modules shipped with the control plane. External module code
// cannot be compiled at runtime, so embedded plugins select one of
// these by id or bundleUrl.

func init() {
	Register("echo", NewModule("echo", map[string]Function{
		"echo": func(_ context.Context, input map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
			return input, nil
		},
		"uppercase": func(_ context.Context, input map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
			text, ok := input["text"].(string)
			if !ok {
				return nil, errdefs.New(errdefs.CodeValidation, "input field \"text\" must be a string")
			}
			return map[string]interface{}{"text": strings.ToUpper(text)}, nil
		},
		"timestamp": func(_ context.Context, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}))

	Register("calc", NewModule("calc", map[string]Function{
		"add": func(_ context.Context, input map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
			a, b, err := calcOperands(input)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"result": a + b}, nil
		},
		"multiply": func(_ context.Context, input map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
			a, b, err := calcOperands(input)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"result": a * b}, nil
		},
		"divide": func(_ context.Context, input map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
			a, b, err := calcOperands(input)
			if err != nil {
				return nil, err
			}
			if b == 0 {
				return nil, errdefs.New(errdefs.CodeExecutionError, "division by zero")
			}
			return map[string]interface{}{"result": a / b}, nil
		},
	}))
}

func calcOperands(input map[string]interface{}) (float64, float64, error) {
	a, aok := toFloat(input["a"])
	b, bok := toFloat(input["b"])
	if !aok || !bok {
		return 0, 0, errdefs.New(errdefs.CodeValidation, "input fields \"a\" and \"b\" must be numbers")
	}
	return a, b, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
