// ABOUTME: Secret input for provision and login
// ABOUTME: Hidden terminal prompt via x/term, plain line read when input is piped

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readSecret prompts for a secret. A terminal gets a hidden prompt; any other
// input is read one line at a time.
func readSecret(cmd *cobra.Command, reader *bufio.Reader, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(b), nil
	}

	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readNewSecret prompts twice and requires both entries to match.
func readNewSecret(cmd *cobra.Command) (string, error) {
	reader := bufio.NewReader(cmd.InOrStdin())
	first, err := readSecret(cmd, reader, "Secret: ")
	if err != nil {
		return "", err
	}
	second, err := readSecret(cmd, reader, "Confirm secret: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("secrets do not match")
	}
	return first, nil
}
