//go:build !linux

package concurrency

func readResourceUsage(pid int) *ResourceUsage {
	return nil
}
