package vqlab

//
// CPU limits using cgroup v2
//

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// DefaultCgroupRoot is the default cgroup v2 mount point.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// CPULimit limits the CPU available to the processes of a host, like
// Mininet's CPULimitedHost. The zero value is invalid; please, init
// all the MANDATORY fields.
type CPULimit struct {
	// Fraction is the MANDATORY fraction of the whole system CPU
	// the group may use (e.g., 0.25 is a quarter of all the cores).
	Fraction float64

	// Name is the MANDATORY cgroup name.
	Name string

	// NumCPU is the OPTIONAL number of cores; zero means runtime.NumCPU.
	NumCPU int

	// Period is the OPTIONAL CFS period; zero means 100 ms.
	Period time.Duration

	// Root is the OPTIONAL cgroup v2 mount point; empty means DefaultCgroupRoot.
	Root string
}

// Path returns the cgroup directory.
func (cl *CPULimit) Path() string {
	root := cl.Root
	if root == "" {
		root = DefaultCgroupRoot
	}
	return filepath.Join(root, cl.Name)
}

func (cl *CPULimit) period() time.Duration {
	if cl.Period > 0 {
		return cl.Period
	}
	return 100 * time.Millisecond
}

func (cl *CPULimit) numCPU() int {
	if cl.NumCPU > 0 {
		return cl.NumCPU
	}
	return runtime.NumCPU()
}

// Quota returns the CFS quota granted in each period.
func (cl *CPULimit) Quota() time.Duration {
	return time.Duration(cl.Fraction * float64(cl.period()) * float64(cl.numCPU()))
}

// CPUMax returns the content of the cpu.max file (e.g., "50000 100000").
func (cl *CPULimit) CPUMax() string {
	return fmt.Sprintf("%d %d", cl.Quota().Microseconds(), cl.period().Microseconds())
}

// Create creates the cgroup and configures its quota.
func (cl *CPULimit) Create() error {
	if err := os.MkdirAll(cl.Path(), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cl.Path(), "cpu.max"), []byte(cl.CPUMax()), 0644)
}

// Attach moves the process with the given pid into the cgroup.
func (cl *CPULimit) Attach(pid int) error {
	return os.WriteFile(filepath.Join(cl.Path(), "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// Release removes the cgroup. The kernel refuses to remove a cgroup
// that still contains processes, so stop them first.
func (cl *CPULimit) Release() error {
	err := os.Remove(cl.Path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
