// Package command holds what every service's command dispatcher shares:
// sentinel errors and decoding of loosely typed arguments from transports
// into a service's closed set of command types.
package command

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrUnknown is returned for a command name the service does not define.
	ErrUnknown = errors.New("unknown command")
	// ErrInvalidArgs is returned when arguments do not decode.
	ErrInvalidArgs = errors.New("invalid command arguments")
	// ErrNotImplemented is returned by a backend that cannot perform a command.
	ErrNotImplemented = errors.New("not implemented")
	// ErrUnavailable is returned when the service has no external source.
	ErrUnavailable = errors.New("service unavailable")
)

// Decode fills a T from args. Keys match the `mapstructure` tag or the
// field name case-insensitively, and strings convert to numbers and bools
// so values typed on a command line decode too.
func Decode[T any](args map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(args); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return out, nil
}

// Table maps command names to decoders for one service's command type.
type Table[C any] map[string]func(args map[string]any) (C, error)

// Decode looks up name and decodes args into the matching command.
func (t Table[C]) Decode(name string, args map[string]any) (C, error) {
	decode, ok := t[name]
	if !ok {
		var zero C
		return zero, fmt.Errorf("%w %q", ErrUnknown, name)
	}
	return decode(args)
}

// Names lists the command names in sorted order.
func (t Table[C]) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
