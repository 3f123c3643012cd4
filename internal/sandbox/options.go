package sandbox

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/joeycumines/modsandbox/internal/module"
)

var (
	// ErrUnknownMethod is a request-level error for a method name the
	// module does not declare.
	ErrUnknownMethod = errors.New("sandbox: unknown method")
	// ErrInvalidOption rejects option values that do not fit their
	// declaration.
	ErrInvalidOption = errors.New("sandbox: invalid option")
)

// resolveOptions merges given over the method's declared defaults, clamps
// numbers into range and checks select values. Options the method does not
// declare are rejected.
func resolveOptions(def module.MethodDefinition, given map[string]any) (map[string]any, error) {
	out := def.Defaults()
	for name, v := range given {
		opt, ok := def.Option(name)
		if !ok {
			return nil, fmt.Errorf("%w: method %q has no option %q", ErrInvalidOption, def.Name, name)
		}
		cv, err := coerceOption(opt, v)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	return out, nil
}

func coerceOption(opt module.OptionDefinition, v any) (any, error) {
	switch opt.Type {
	case module.OptionNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %q wants a number, got %T", ErrInvalidOption, opt.Name, v)
		}
		if opt.Min != nil && f < *opt.Min {
			f = *opt.Min
		}
		if opt.Max != nil && f > *opt.Max {
			f = *opt.Max
		}
		return f, nil
	case module.OptionBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			pb, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %q wants a boolean: %v", ErrInvalidOption, opt.Name, err)
			}
			return pb, nil
		}
		return nil, fmt.Errorf("%w: %q wants a boolean, got %T", ErrInvalidOption, opt.Name, v)
	case module.OptionSelect:
		s := fmt.Sprint(v)
		if len(opt.Values) > 0 && !slices.Contains(opt.Values, s) {
			return nil, fmt.Errorf("%w: %q must be one of %v, got %q", ErrInvalidOption, opt.Name, opt.Values, s)
		}
		return s, nil
	case module.OptionText, module.OptionColor, module.OptionAssetFile, module.OptionAssetDir:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %q wants a string, got %T", ErrInvalidOption, opt.Name, v)
	}
	// matrix values are passed through untouched
	return v, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
