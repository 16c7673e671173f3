//go:build linux

package encoder

import "syscall"

// setNiceness lowers the calling process's scheduling priority via
// setpriority(PRIO_PROCESS, 0, nice) so a transcode run doesn't starve
// the ingest path.
func setNiceness(nice int) error {
	return syscall.Setpriority(syscall.PRIO_PROCESS, 0, nice)
}
