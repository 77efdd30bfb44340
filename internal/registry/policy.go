package registry

import (
	"strings"

	"github.com/loykin/cmdloop/internal/fault"
)

// Policy decides whether a command may be registered.
// A rejection is returned as a *fault.Error of kind validation.
type Policy interface {
	Allow(command string) error
}

// DefaultDenylist holds the leading tokens rejected when no list is configured.
var DefaultDenylist = []string{
	"format", "del", "rmdir", "shutdown", "taskkill",
	"rm", "mkfs", "reboot", "halt", "poweroff",
}

// Denylist rejects commands whose first whitespace-delimited token matches
// one of its entries, ignoring case.
type Denylist struct {
	names map[string]struct{}
}

func NewDenylist(names []string) *Denylist {
	d := &Denylist{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			d.names[n] = struct{}{}
		}
	}
	return d
}

func (d *Denylist) Allow(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fault.New(fault.KindValidation, fault.ReasonEmpty, "command is empty")
	}
	first := strings.ToLower(fields[0])
	if _, denied := d.names[first]; denied {
		return fault.New(fault.KindValidation, fault.ReasonBlacklisted, "command %q is blacklisted", fields[0])
	}
	return nil
}

// Names returns the configured entries in no particular order.
func (d *Denylist) Names() []string {
	out := make([]string, 0, len(d.names))
	for n := range d.names {
		out = append(out, n)
	}
	return out
}

// AllowAll accepts every non-empty command.
type AllowAll struct{}

func (AllowAll) Allow(string) error { return nil }
