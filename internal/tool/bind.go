package tool

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/soyeahso/parley/internal/directive"
)

// Bind decodes params into the struct pointed to by out. Field names match
// case-insensitively, or via `param:"name"` tags, and string/number/bool
// values convert as needed ("3" into an int, 1 into a bool).
func Bind(params directive.Params, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "param",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}
	if err := dec.Decode(params.Map()); err != nil {
		return fmt.Errorf("binding params: %w", err)
	}
	return nil
}
