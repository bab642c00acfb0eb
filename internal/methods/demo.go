package methods

import "github.com/jeremyot/toto/internal/methodregistry"

// RegisterDemo adds the literal-value methods spec §8's end-to-end
// scenarios exercise directly (return_value) — small enough that
// wiring them as a Register-style helper keeps cmd/totoserver and
// tests from redefining the same trivial handler twice.
func RegisterDemo(reg *methodregistry.Registry) error {
	return reg.Register(methodregistry.Entry{
		Name: "return_value",
		Fn: func(ctx any, params map[string]any) (any, error) {
			return map[string]any{"parameters": params}, nil
		},
	})
}
