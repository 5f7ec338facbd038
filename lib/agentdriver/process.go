// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// resolveExecutable finds the agent binary. Names containing a path
// separator are checked directly; bare names go through PATH.
func resolveExecutable(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: no executable configured", ErrExecutableNotFound)
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		info, err := os.Stat(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, name, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, name)
		}
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q not in PATH", ErrExecutableNotFound, name)
	}
	return path, nil
}

// checkDirectory verifies that directory exists and is a directory.
// The empty string means the server's own working directory.
func checkDirectory(directory string) error {
	if directory == "" {
		return nil
	}
	info, err := os.Stat(directory)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirectoryNotAccessible, directory, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirectoryNotAccessible, directory)
	}
	return nil
}

// process is one spawned agent attempt.
type process struct {
	command *exec.Cmd
	stdout  io.ReadCloser
	stderr  io.ReadCloser
}

// spawn starts executable in its own process group with stdin closed.
func spawn(executable string, invocation Invocation, directory string) (*process, error) {
	command := exec.Command(executable, invocation.Args...)
	command.Dir = directory
	command.Env = append(os.Environ(), invocation.Env...)
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := command.Start(); err != nil {
		stdin.Close()
		return nil, &SpawnError{Executable: executable, Err: err}
	}
	// Agents in print mode must not wait for input.
	stdin.Close()

	return &process{command: command, stdout: stdout, stderr: stderr}, nil
}

// kill sends SIGKILL to the whole process group so helper processes
// the agent started die with it.
func (p *process) kill() error {
	pid := p.command.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", pid, err)
	}
	return nil
}

// wait reaps the process. Call only after stdout and stderr were read
// to EOF. Returns the exit code (-1 when unknown) and the wait error.
func (p *process) wait() (int, error) {
	err := p.command.Wait()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), err
	}
	return -1, err
}
