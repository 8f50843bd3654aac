//go:build !linux && !darwin

package usecase

import "errors"

// diskFreeBytes has no portable implementation here. DiskPressure logs the
// error and keeps running.
func diskFreeBytes(path string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}
