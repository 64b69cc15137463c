//go:build !linux

package process

// SetTitle is a no-op where the thread name cannot be set.
func SetTitle(title string) error { return nil }
