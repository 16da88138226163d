package cli

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// ReadPasswordFromStdin reads a password from the controlling terminal
// without echoing it, matching the teacher's term.ReadPassword prompts
// for sensitive input. It falls back to returning an error when stdin
// is not a terminal, leaving the caller to read a plain line instead.
func ReadPasswordFromStdin() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("cli: stdin is not a terminal")
	}
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return string(b), nil
}
