package registry

import (
	"testing"

	"github.com/loykin/cmdloop/internal/fault"
	"github.com/stretchr/testify/assert"
)

func TestDenylistCaseInsensitive(t *testing.T) {
	d := NewDenylist([]string{" TaskKill ", "", "del"})

	assert.ElementsMatch(t, []string{"taskkill", "del"}, d.Names())
	assert.Error(t, d.Allow("taskkill /f /im x.exe"))
	assert.Error(t, d.Allow("DEL file"))
	assert.NoError(t, d.Allow("delete-me"))
	assert.NoError(t, d.Allow("echo del"))
}

func TestDenylistEmptyCommand(t *testing.T) {
	err := NewDenylist(nil).Allow("   ")
	fe, ok := fault.As(err)
	if assert.True(t, ok) {
		assert.Equal(t, fault.ReasonEmpty, fe.Reason)
	}
}

func TestCustomPolicyIsUsed(t *testing.T) {
	onlyEcho := policyFunc(func(cmd string) error {
		if len(cmd) < 4 || cmd[:4] != "echo" {
			return fault.New(fault.KindValidation, fault.ReasonBlacklisted, "only echo allowed")
		}
		return nil
	})
	r := New(&memStore{}, onlyEcho, Options{})
	assert.NoError(t, r.Load())

	assert.NoError(t, r.Add("echo ok"))
	assert.True(t, fault.Is(r.Add("date"), fault.KindValidation))
	assert.NoError(t, r.Add("echo format"))
}

func TestAllowAll(t *testing.T) {
	r := New(&memStore{}, AllowAll{}, Options{})
	assert.NoError(t, r.Load())
	assert.NoError(t, r.Add("format c:"))
	assert.True(t, fault.Is(r.Add(" "), fault.KindValidation))
}

type policyFunc func(string) error

func (f policyFunc) Allow(cmd string) error { return f(cmd) }

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"echo hi":             "echo_hi",
		`dir C:\Users`:        "dir_C__Users",
		"ls /tmp | grep *.go": "ls__tmp___grep__.go",
		`echo "a<b>c"?`:       "echo__a_b_c__",
		"..":                  "__",
		"plain":               "plain",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "input %q", in)
	}
}
