// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ngocp-0847/explain-source/lib/process"
	"github.com/ngocp-0847/explain-source/lib/version"
)

const usage = `usage:
  explain-source serve [--config path] [flags]
  explain-source user add --username NAME [--password-file path]
  explain-source version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

// streams are the standard streams of one invocation.
type streams struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	std := streams{stdin: stdin, stdout: stdout, stderr: stderr}
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return process.Usagef("no command given")
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], std)
	case "user":
		if len(args) < 2 || args[1] != "add" {
			fmt.Fprint(stderr, usage)
			return process.Usagef("user: want the add subcommand")
		}
		return runUserAdd(ctx, args[2:], std)
	case "version", "--version":
		fmt.Fprintf(stdout, "explain-source %s\n", version.Info())
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return process.Usagef("unknown command %q", args[0])
}
