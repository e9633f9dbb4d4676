package vqlab

//
// Mockable implementations of the data model
//

import (
	"context"
	"io"
	"os"
)

// MockableCommandRunner is a mockable [CommandRunner].
type MockableCommandRunner struct {
	MockCombinedOutput func(ctx context.Context, argv ...string) (string, error)
	MockStart          func(argv []string, stdout, stderr io.Writer) (Process, error)
}

var _ CommandRunner = &MockableCommandRunner{}

// CombinedOutput implements CommandRunner
func (m *MockableCommandRunner) CombinedOutput(ctx context.Context, argv ...string) (string, error) {
	return m.MockCombinedOutput(ctx, argv...)
}

// Start implements CommandRunner
func (m *MockableCommandRunner) Start(argv []string, stdout, stderr io.Writer) (Process, error) {
	return m.MockStart(argv, stdout, stderr)
}

// MockableProcess is a mockable [Process].
type MockableProcess struct {
	MockPid    func() int
	MockSignal func(sig os.Signal) error
	MockWait   func() error
}

var _ Process = &MockableProcess{}

// Pid implements Process
func (m *MockableProcess) Pid() int {
	return m.MockPid()
}

// Signal implements Process
func (m *MockableProcess) Signal(sig os.Signal) error {
	return m.MockSignal(sig)
}

// Wait implements Process
func (m *MockableProcess) Wait() error {
	return m.MockWait()
}
