package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Wire action names.
const (
	ActionAddCommand  = "add_command"
	ActionGetOutput   = "get_output"
	ActionSetInterval = "set_interval"
	ActionGetPrograms = "get_programs"
	ActionStop        = "stop"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// NormalizeAction maps accepted spellings ("add-command", "ADD_COMMAND") to
// the wire name. Unknown actions are returned lowercased and unchanged otherwise.
func NormalizeAction(a string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(a)), "-", "_")
}

// Request is a client message. Interval is kept raw so both 5 and "5" can be
// accepted.
type Request struct {
	Action   string          `json:"action"`
	Command  string          `json:"command,omitempty"`
	Interval json.RawMessage `json:"interval,omitempty"`
}

var errBadInterval = errors.New("interval must be an integer")

// IntervalValue decodes the interval field. A missing field is an error.
func (r Request) IntervalValue() (int, error) {
	raw := bytes.TrimSpace(r.Interval)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errBadInterval
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errBadInterval
		}
	} else {
		s = string(raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errBadInterval
	}
	return n, nil
}

// IntervalRaw builds the interval field from an integer.
func IntervalRaw(n int) json.RawMessage {
	return json.RawMessage(strconv.Itoa(n))
}

// Response is a server message. Only the fields relevant to the action are set.
type Response struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Output    *string   `json:"output,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Programs  *[]string `json:"programs,omitempty"`
	Interval  int       `json:"interval,omitempty"`
}

func (r Response) OK() bool { return r.Status == StatusSuccess }

// OutputFileName is the download name suggested for a job's history.
func OutputFileName(slug string) string { return slug + "_output.txt" }
