//go:build !linux

package ads1299

import "fmt"

// Open is only implemented for Linux spidev. Other platforms run the mock
// source.
func Open(device string, speedHz, drdyGPIO int) (Hal, error) {
	return nil, fmt.Errorf("ads1299: hardware source requires linux spidev, not supported on this platform")
}
