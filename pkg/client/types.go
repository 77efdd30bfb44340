package client

import "fmt"

// Output is the run history of one command as returned by the server.
type Output struct {
	Command  string
	Filename string // suggested download name, <slug>_output.txt
	Text     string
}

// Error is a structured rejection from the server.
type Error struct {
	Action  string
	Kind    string // validation, duplicate, not-found, protocol, persistence
	Reason  string // e.g. blacklisted, slug-collision, invalid-interval
	Message string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s/%s)", e.Action, e.Message, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}
