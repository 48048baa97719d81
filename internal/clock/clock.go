// Package clock provides the wall clock used across a session, overridable
// in tests.
package clock

import "time"

var nowFunc = time.Now

// Now returns the current time truncated to second resolution, which is the
// resolution of increment timestamps.
func Now() time.Time {
	return nowFunc().Truncate(time.Second)
}

// SetNowFunc installs a replacement time source and returns a func that
// restores the previous one.
func SetNowFunc(f func() time.Time) func() {
	old := nowFunc
	nowFunc = f

	return func() { nowFunc = old }
}
