package vqlab

//
// Data model
//

import (
	"context"
	"io"
	"os"
)

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// CommandRunner runs the external tools driven by this package: ip(8),
// tc(8), ovs-vsctl(8), ffmpeg(1), and the streaming binaries.
type CommandRunner interface {
	// CombinedOutput runs argv to completion and returns its combined
	// standard output and standard error. The returned error, if any,
	// already contains the command output.
	CombinedOutput(ctx context.Context, argv ...string) (string, error)

	// Start starts argv in the background. The stdout and stderr
	// writers MAY be nil, in which case the output is discarded.
	Start(argv []string, stdout, stderr io.Writer) (Process, error)
}

// Process is a background process created by [CommandRunner.Start].
type Process interface {
	// Pid returns the process ID.
	Pid() int

	// Signal sends a signal to the process.
	Signal(sig os.Signal) error

	// Wait waits for the process to terminate. It is safe to call
	// Wait more than once and from several goroutines.
	Wait() error
}
