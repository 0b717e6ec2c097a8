package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// binaryHealthChecker reports whether an executable is on PATH.
type binaryHealthChecker struct {
	name string
}

func (c binaryHealthChecker) CheckHealth(ctx context.Context) error {
	if c.name == "" {
		return fmt.Errorf("no executable configured")
	}
	if _, err := exec.LookPath(c.name); err != nil {
		return fmt.Errorf("%s not found: %w", c.name, err)
	}
	return ctx.Err()
}

// dirHealthChecker reports whether a directory accepts new files.
type dirHealthChecker struct {
	dir string
}

func (c dirHealthChecker) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(c.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.dir)
	}
	f, err := os.CreateTemp(c.dir, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", c.dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}
