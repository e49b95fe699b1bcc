//go:build !darwin && !linux

package resources

import "errors"

func totalMemoryBytes() (uint64, error) {
	return 0, errors.New("host memory detection not supported on this platform")
}
