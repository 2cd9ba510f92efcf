// Package cfg decodes loosely typed config sections into driver structs.
package cfg

import (
	"github.com/mitchellh/mapstructure"
)

// Setter is implemented by config structs that fill their own defaults.
type Setter interface {
	ApplyDefaults()
}

// Decode decodes input into the struct pointed to by c. String durations
// such as "30s" decode into time.Duration fields. If c implements Setter,
// ApplyDefaults runs after decoding.
func Decode(input map[string]any, c any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return err
	}

	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}
	return nil
}
