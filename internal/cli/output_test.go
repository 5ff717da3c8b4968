package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	called := false
	err := formatter.Success(map[string]int{"sent": 3}, func(io.Writer) { called = true })
	require.NoError(t, err)
	assert.False(t, called, "text renderer is not used for json")

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data["sent"])
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"m-1": "mutation m-1 not found"}
	err := formatter.Error(ErrCodeNotFound, "1 of 1 mutation(s) not discarded", details)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "1 of 1 mutation(s) not discarded", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("queue drained", nil))
	assert.Equal(t, "queue drained\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success(42, func(w io.Writer) {
		fmt.Fprintln(w, "rendered")
	}))
	assert.Equal(t, "rendered\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error(ErrCodeSyncFailed, "sync pass interrupted", map[string]int{"sent": 1}))
			assert.Contains(t, buf.String(), "Error [E_SYNC_FAILED]: sync pass interrupted")
			assert.Equal(t, tt.wantDetails, bytes.Contains(buf.Bytes(), []byte("Details:")))
		})
	}
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("Syncing %d queued mutation(s)", 2)

			assert.Empty(t, out.String(), "diagnostics never reach stdout")
			if tt.wantLog {
				assert.Equal(t, "Syncing 2 queued mutation(s)\n", errOut.String())
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestGetErrWriter_FallsBackToWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Writer: buf}
	assert.Same(t, buf, formatter.GetErrWriter())
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad args")))

	cause := errors.New("disk full")
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "export failed", cause))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "outer: export failed: disk full", wrapped.Error())
}

func TestTable(t *testing.T) {
	buf := &bytes.Buffer{}
	table(buf, []string{"ID", "RECORD"}, [][]string{{"m-1", "rfis/r1"}, {"m-10", "rfis/r2"}})
	assert.Equal(t, "ID    RECORD\nm-1   rfis/r1\nm-10  rfis/r2\n", buf.String())
}
