package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=x", "noequals", "B=", "A=2", "C=a=b"})
	assert.Equal(t, Var{"A": "2", "B": "", "C": "a=b"}, m)
}

func TestComposeOverridesAndExpands(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/op"}
	got := Compose(base, Var{
		"PATH":  "/opt/tools:${PATH}",
		"CACHE": "${HOME}/.cache",
		"EMPTY": "${MISSING}",
		"":      "ignored",
	})
	assert.Equal(t, []string{
		"CACHE=/home/op/.cache",
		"EMPTY=",
		"HOME=/home/op",
		"PATH=/opt/tools:/usr/bin",
	}, got)
}

func TestComposeInheritsServiceEnvironment(t *testing.T) {
	t.Setenv("CMDLOOP_ENV_TEST", "inherited")
	got := Compose(nil, nil)
	assert.Contains(t, got, "CMDLOOP_ENV_TEST=inherited")
}
