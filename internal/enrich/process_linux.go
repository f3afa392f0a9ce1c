//go:build linux

package enrich

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// lookupProcessInfo reads /proc/<pid>/{comm,exe,status} for the fields
// the eBPF adapter has no cheap way to attach in-kernel.
func lookupProcessInfo(pid int) (processInfo, bool) {
	dir := fmt.Sprintf("/proc/%d", pid)
	info := processInfo{}

	if comm, err := os.ReadFile(dir + "/comm"); err == nil {
		info.comm = strings.TrimSpace(string(comm))
	}
	if exe, err := os.Readlink(dir + "/exe"); err == nil {
		info.exe = exe
	}

	f, err := os.Open(dir + "/status")
	if err != nil {
		return info, info.comm != "" || info.exe != ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "PPid:"):
			if v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "PPid:"))); err == nil {
				info.ppid = v
			}
		case strings.HasPrefix(line, "Uid:"):
			fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
			if len(fields) > 0 {
				if v, err := strconv.Atoi(fields[0]); err == nil {
					info.uid = v
				}
			}
		}
	}
	return info, true
}
