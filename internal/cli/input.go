package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

// ConfirmDestructive prints a warning to w and reads one line from reader,
// returning true only when the trimmed input matches expected exactly.
// Destructive commands (key wipe) gate on re-typing the tenant id this way,
// so a stray Enter never confirms anything. A partial line at EOF still
// counts as input.
func ConfirmDestructive(reader *bufio.Reader, w io.Writer, warning, expected string) (bool, error) {
	if _, err := fmt.Fprint(w, warning+"\n> "); err != nil {
		return false, err
	}
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return false, err
	}
	return strings.TrimSpace(line) == expected, nil
}

// GetPassword prints a prompt to w and reads a secret from the user's
// terminal without echo. A newline is printed after the read to keep the UI
// tidy. The returned byte slice should be wiped by the caller when no longer
// needed.
func GetPassword(w io.Writer, prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return pw, nil
}
