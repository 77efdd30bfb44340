//go:build windows

package process

// defaultShell returns the shell and its script flag on Windows systems
func defaultShell() (string, string) { return "cmd", "/c" }
