package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"execution-core/internal/api"
	"execution-core/pkg/secrets"
)

const usage = `usage: execution-core [command]

with no command the execution core runs.

commands:
  hash-password   read a password on stdin, print OPERATOR_PASSWORD_HASH
  gen-key         print a new MASTER_ENCRYPTION_KEY
  seal            read a credential on stdin, print it sealed with the master key`

var errUsage = errors.New("unknown command")

// runCommand handles the operator helper commands. getenv resolves master keys.
func runCommand(args []string, stdin io.Reader, stdout io.Writer, getenv func(string) string) error {
	switch args[0] {
	case "hash-password":
		pw, err := readLine(stdin)
		if err != nil {
			return err
		}
		hash, err := api.HashPassword(pw)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, hash)
	case "gen-key":
		key, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, key)
	case "seal":
		ring, err := secrets.LoadRing(getenv)
		if err != nil {
			return err
		}
		plain, err := readLine(stdin)
		if err != nil {
			return err
		}
		sealed, err := ring.Seal(plain)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, sealed)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("%w %q", errUsage, args[0])
	}
	return nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
