//go:build !linux

package inject

import (
	"context"
	"fmt"
)

type privilegedContext struct{}

func acquirePrivileged(root string) (*privilegedContext, error) {
	return nil, fmt.Errorf("privileged execution context is only available on linux")
}

func (p *privilegedContext) Run(ctx context.Context, command []string) error {
	return fmt.Errorf("privileged execution context is only available on linux")
}

func (p *privilegedContext) Release() error {
	return nil
}
