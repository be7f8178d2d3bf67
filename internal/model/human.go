// human readable and writable types which can be used inside config file
package model

import (
	"fmt"
	"time"
)

// Duration is a config duration in time.ParseDuration syntax, e.g. 90s or 1h30m.
type Duration string

// Or returns the parsed duration or def if the value is empty.
func (d Duration) Or(def time.Duration) (time.Duration, error) {
	if d == "" {
		return def, nil
	}
	ret, err := time.ParseDuration(string(d))
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", string(d), err)
	}
	return ret, nil
}

func DurationOf(d time.Duration) *Duration {
	ret := Duration(d.String())
	return &ret
}
