//go:build linux

package inject

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// kernelBinds are the host interfaces a transform needs to see inside the
// tree, mounted in this order and released in reverse.
var kernelBinds = []string{"/dev", "/proc", "/sys"}

// privilegedContext is a scoped chroot execution environment. Acquire
// binds the kernel interfaces into the tree; Release unbinds them
// unconditionally, whether the transforms succeeded or not.
type privilegedContext struct {
	root    string
	mounted []string
}

func acquirePrivileged(root string) (*privilegedContext, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("privileged transforms require root")
	}
	pctx := &privilegedContext{root: root}
	for _, bind := range kernelBinds {
		target := filepath.Join(root, bind)
		if err := os.MkdirAll(target, 0755); err != nil {
			pctx.Release()
			return nil, fmt.Errorf("failed to create bind target %s: %v", target, err)
		}
		if err := unix.Mount(bind, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			pctx.Release()
			return nil, fmt.Errorf("failed to bind %s into tree: %v", bind, err)
		}
		pctx.mounted = append(pctx.mounted, target)
	}
	return pctx, nil
}

// Run executes command inside the tree as if it were the running root.
func (p *privilegedContext) Run(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("empty transform command")
	}
	args := append([]string{p.root}, command...)
	cmd := exec.CommandContext(ctx, "chroot", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v, output: %s", err, string(output))
	}
	return nil
}

// Release unbinds in reverse mount order. Lazy detach keeps a busy mount
// from wedging the cleanup path.
func (p *privilegedContext) Release() error {
	var firstErr error
	for i := len(p.mounted) - 1; i >= 0; i-- {
		if err := unix.Unmount(p.mounted[i], unix.MNT_DETACH); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to unmount %s: %v", p.mounted[i], err)
		}
	}
	p.mounted = nil
	return firstErr
}
