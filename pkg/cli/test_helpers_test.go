package cli

import (
	"bytes"
	"os"
	"testing"
)

// captureStdout redirects os.Stdout to a pipe and returns a function
// that restores stdout and returns the captured output.
// Uses a goroutine to read concurrently, avoiding pipe buffer deadlocks.
func captureStdout(t *testing.T) func() string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return func() string {
		_ = w.Close()
		<-done
		os.Stdout = old
		return buf.String()
	}
}

// runCLI executes the root command against args with HOME pointed at a
// temp dir, returning captured stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("QUERYFLOW_HOST", "")
	t.Setenv("QUERYFLOW_TOKEN", "")
	t.Setenv("QUERYFLOW_OUTPUT", "")

	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)

	restore := captureStdout(t)
	err := rootCmd.Execute()
	return restore(), err
}
