//go:build darwin

package netext

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// attribute resolves a flow's audit token to a pid (by the caller, via the
// system's audit API) into parent pid and command name, read from the
// kernel's process table the same way Activity Monitor does, via the
// KERN_PROC_PID sysctl. The full executable path (proc_pidpath) requires
// libproc and is out of reach without cgo; callers get the short command
// name instead, which is sufficient for OispEvent.Source attribution.
func attribute(pid int) (FlowAttribution, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return FlowAttribution{}, fmt.Errorf("sysctl kern.proc.pid %d: %w", pid, err)
	}
	return FlowAttribution{
		PID:  pid,
		PPID: int(kp.Eproc.Ppid),
		Exe:  commString(kp.Proc.P_comm[:]),
	}, nil
}

// commString converts the kernel's fixed-size, NUL-terminated comm buffer
// (signed chars in the cgo-generated binding) to a Go string.
func commString(b []int8) string {
	buf := make([]byte, 0, len(b))
	for _, c := range b {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}
