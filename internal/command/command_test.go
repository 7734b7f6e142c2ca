package command

import (
	"bytes"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":                   "''",
		"/data/app/":         "/data/app/",
		"user@host:/data/":   "user@host:/data/",
		"--log-file-format=": "--log-file-format=",
		"my dir":             "'my dir'",
		"it's":               `it\'s`,
		"$(reboot)":          `\$\(reboot\)`,
		"*.tmp":              `\*.tmp`,
		"~/backup":           `\~/backup`,
		"it's mine":          `'it'\''s mine'`,
	}
	for in, want := range tests {
		assert.Equal(t, want, Quote(in), in)
	}
}

func TestInvocationString(t *testing.T) {
	inv := Invocation{
		Name:    "pg_dump",
		Args:    []string{"app", "--username=app user"},
		Env:     []string{"PGPASSWORD=hunter2"},
		Secrets: []string{"hunter2"},
	}
	assert.Equal(t, `PGPASSWORD=\*\*\* pg_dump app '--username=app user'`, inv.String())
	assert.Equal(t, []string{"pg_dump", "app", "--username=app user"}, inv.Argv())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(errors.New("boom")))

	err := ExecRunner{}.Run(Invocation{Name: "sh", Args: []string{"-c", "exit 3"}}, nil, nil)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		assert.Equal(t, 3, ExitCode(err))
	} else {
		t.Skip("sh is not available")
	}
}

func TestExecRunnerPassesArgumentsVerbatim(t *testing.T) {
	var out bytes.Buffer
	err := ExecRunner{}.Run(Invocation{
		Name: "sh",
		Args: []string{"-c", `printf '%s|%s' "$1" "$SECRET"`, "sh", "a b; rm -rf /"},
		Env:  []string{"SECRET=x y"},
	}, &out, nil)
	if err != nil {
		var exitErr *exec.ExitError
		require.False(t, errors.As(err, &exitErr), "unexpected exit: %v", err)
		t.Skip("sh is not available")
	}
	assert.Equal(t, "a b; rm -rf /|x y", out.String())
}
