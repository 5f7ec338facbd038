// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ngocp-0847/explain-source/lib/clock"
	"github.com/ngocp-0847/explain-source/lib/httpapi"
	"github.com/ngocp-0847/explain-source/lib/process"
	"github.com/ngocp-0847/explain-source/lib/store"
)

func runUserAdd(ctx context.Context, args []string, std streams) error {
	var username, passwordFile string
	cfg, err := loadConfig("user add", args, os.LookupEnv, func(flags *pflag.FlagSet) {
		flags.StringVar(&username, "username", "", "login name (required)")
		flags.StringVar(&passwordFile, "password-file", "", "file holding the password; - reads stdin")
	})
	if err != nil {
		return err
	}
	if username == "" {
		return process.Usagef("user add: --username is required")
	}

	password, err := readPassword(passwordFile, std)
	if err != nil {
		return err
	}
	hash, err := httpapi.HashPassword(password)
	if err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := newLogger(std.stderr, level)
	db, err := store.Open(store.Config{Path: cfg.Database, Clock: clock.Real(), Logger: logger})
	if err != nil {
		return err
	}
	defer db.Close()

	user := store.User{ID: uuid.NewString(), Username: username, PasswordHash: hash}
	if err := db.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user %s: %w", username, err)
	}
	fmt.Fprintf(std.stdout, "created user %s (%s)\n", username, user.ID)
	return nil
}

// readPassword reads the password from path, from a prompt when stdin
// is a terminal, or else from the first line of stdin.
func readPassword(path string, std streams) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	if file, ok := std.stdin.(*os.File); ok && path == "" && term.IsTerminal(int(file.Fd())) {
		return promptPassword(int(file.Fd()), std)
	}

	line, err := bufio.NewReader(std.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptPassword asks twice with echo disabled.
func promptPassword(fd int, std streams) (string, error) {
	fmt.Fprint(std.stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(std.stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(std.stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(std.stderr)
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	if !bytes.Equal(first, second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
