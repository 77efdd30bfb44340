package registry

import "strings"

var slugReplacer = strings.NewReplacer(
	`\`, "_", "/", "_", "*", "_", "?", "_", ":", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

// Slug maps a command string to a name usable as a single path segment.
// Characters that are illegal in file names on common platforms, and spaces,
// become underscores.
func Slug(command string) string {
	s := slugReplacer.Replace(command)
	switch s {
	case ".", "..":
		return strings.Repeat("_", len(s))
	}
	return s
}
