// Package prompt asks the operator yes/no questions.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrAborted is returned when the operator declines a gate.
var ErrAborted = errors.New("prompt: aborted by operator")

// Prompter answers operator questions.
type Prompter interface {
	// Confirm asks question and returns the answer; def is used for an empty
	// reply or when no operator is attached.
	Confirm(question string, def bool) (bool, error)
	// Proceed shows the "press enter to continue, or x to abort" gate.
	Proceed(message string) (bool, error)
}

// Terminal reads answers line by line from In.
type Terminal struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool

	reader *bufio.Reader
}

// NewTerminal binds to stdin/stdout. When stdin is not a terminal every
// question resolves to its default.
func NewTerminal() *Terminal {
	return &Terminal{
		In:          os.Stdin,
		Out:         os.Stdout,
		Interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (t *Terminal) Confirm(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(t.Out, "%s [%s]: ", question, hint)
	if !t.Interactive {
		fmt.Fprintf(t.Out, "(non-interactive, using default)\n")
		return def, nil
	}
	line, err := t.readLine()
	if err != nil {
		return def, err
	}
	switch strings.ToLower(line) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (t *Terminal) Proceed(message string) (bool, error) {
	fmt.Fprintf(t.Out, "%s Press enter to continue, or x to abort: ", message)
	if !t.Interactive {
		fmt.Fprintf(t.Out, "\n")
		return false, fmt.Errorf("%w: no terminal attached; rerun with --yes to skip confirmation", ErrAborted)
	}
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	return !strings.EqualFold(line, "x"), nil
}

func (t *Terminal) readLine() (string, error) {
	if t.reader == nil {
		t.reader = bufio.NewReader(t.In)
	}
	line, err := t.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: input closed", ErrAborted)
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Static answers every question the same way. Used by --yes and tests.
type Static struct {
	Answer bool
	Asked  []string
}

func (s *Static) Confirm(question string, def bool) (bool, error) {
	s.Asked = append(s.Asked, question)
	return s.Answer, nil
}

func (s *Static) Proceed(message string) (bool, error) {
	s.Asked = append(s.Asked, message)
	return s.Answer, nil
}

// Defaults passes every gate and answers each question with its default.
type Defaults struct{}

func (Defaults) Confirm(_ string, def bool) (bool, error) {
	return def, nil
}

func (Defaults) Proceed(string) (bool, error) {
	return true, nil
}
