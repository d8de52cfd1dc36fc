//go:build !darwin && !linux

package journal

import "fmt"

func filesystemType(string) (string, error) {
	return "", fmt.Errorf("filesystem detection is unsupported on this platform")
}
