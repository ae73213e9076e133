package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateFlags(t *testing.T) {
	globals := &Globals{Format: "text", BaseDir: "/tmp/x", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, true))

	globals = &Globals{Format: "text", Quiet: true, BaseDir: "/tmp/x", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, false))

	globals = &Globals{Format: "ndjson", BaseDir: "", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, false))

	globals = &Globals{Format: "ndjson", Quiet: true, BaseDir: "/tmp/x", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.NoError(t, validateFlags(globals, true))
}
