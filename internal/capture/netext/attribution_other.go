//go:build !darwin

package netext

import "fmt"

func attribute(pid int) (FlowAttribution, error) {
	return FlowAttribution{}, fmt.Errorf("netext: process attribution requires darwin, build tag mismatch")
}
