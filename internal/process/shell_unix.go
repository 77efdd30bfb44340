//go:build !windows

package process

// defaultShell returns the shell and its script flag on Unix systems
func defaultShell() (string, string) { return "/bin/sh", "-c" }
