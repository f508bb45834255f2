//go:build linux

package concurrency

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// clockTicks is USER_HZ, which is 100 on every Linux architecture Go supports.
const clockTicks = 100

// readResourceUsage reads RSS and CPU time from /proc.
func readResourceUsage(pid int) *ResourceUsage {
	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return nil
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil
	}
	usage := &ResourceUsage{RSSBytes: pages * int64(unix.Getpagesize())}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return usage
	}
	// The command name may contain spaces; fields resume after the last ')'.
	s := string(stat)
	if i := strings.LastIndexByte(s, ')'); i >= 0 {
		rest := strings.Fields(s[i+1:])
		// rest[0] is field 3 (state); utime and stime are fields 14 and 15.
		if len(rest) > 12 {
			utime, err1 := strconv.ParseInt(rest[11], 10, 64)
			stime, err2 := strconv.ParseInt(rest[12], 10, 64)
			if err1 == nil && err2 == nil {
				usage.CPUTime = time.Duration(utime+stime) * time.Second / clockTicks
			}
		}
	}
	return usage
}
