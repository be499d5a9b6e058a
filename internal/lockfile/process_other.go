//go:build !unix

package lockfile

// isProcessRunning cannot probe liveness here; assume any positive pid
// is alive so locks are never treated as stale by mistake.
func isProcessRunning(pid int) bool {
	return pid > 0
}
