// Package support provides shared test context and step definitions for
// CLI integration tests.
package support

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TestContext holds state shared between test steps.
type TestContext struct {
	// Command execution state
	LastCommand   string
	LastOutput    string
	LastError     error
	LastExitCode  int
	LastStartTime time.Time
	LastDuration  time.Duration

	// Working directories
	WorkingDir string
	TempDir    string

	// Environment passed to every spawned command
	EnvVars []string
}

// NewTestContext creates a new test context with a temporary directory.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "charm-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// Find project root by looking for go.mod
	projectRoot := workingDir
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			projectRoot = workingDir
			break
		}
		projectRoot = parent
	}

	testCtx := &TestContext{
		WorkingDir: projectRoot,
		TempDir:    tempDir,
	}

	// Point HOME and XDG_CONFIG_HOME at the temp dir so spawned commands
	// never read configuration files from the host.
	testCtx.AddEnvVar("HOME", tempDir)
	testCtx.AddEnvVar("XDG_CONFIG_HOME", filepath.Join(tempDir, "xdg"))

	return testCtx, nil
}

// AddEnvVar adds an environment variable for command execution.
func (testCtx *TestContext) AddEnvVar(name, value string) {
	testCtx.EnvVars = append(testCtx.EnvVars, fmt.Sprintf("%s=%s", name, value))
}

// Substitute replaces placeholders in a string with test context values.
func (testCtx *TestContext) Substitute(s string) string {
	s = strings.ReplaceAll(s, "{tmp}", testCtx.TempDir)
	s = strings.ReplaceAll(s, "{root}", testCtx.WorkingDir)
	return s
}

// ResolvePath substitutes placeholders in a path and makes it absolute
// relative to the temp directory.
func (testCtx *TestContext) ResolvePath(path string) string {
	resolved := testCtx.Substitute(path)
	if filepath.IsAbs(resolved) {
		return resolved
	}
	return filepath.Join(testCtx.TempDir, resolved)
}

// Cleanup removes temporary files and directories created during the test.
func (testCtx *TestContext) Cleanup() error {
	if testCtx.TempDir != "" {
		if err := os.RemoveAll(testCtx.TempDir); err != nil {
			return fmt.Errorf("failed to remove temp dir: %w", err)
		}
	}
	return nil
}
