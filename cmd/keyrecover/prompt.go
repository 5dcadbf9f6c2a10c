package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/forest6511/keyrecover/internal/recovery"

	"golang.org/x/term"
)

// prompter asks questions on the terminal. When stdin is not a terminal,
// passcodes are read as plain lines so scripted input works.
type prompter struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	fd     int
	tty    bool
}

func newTerminalPrompter() *prompter {
	fd := int(os.Stdin.Fd())
	return &prompter{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		errOut: os.Stderr,
		fd:     fd,
		tty:    isTerminal(fd),
	}
}

func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

type lineResult struct {
	text string
	err  error
}

// line reads one line without its terminator. io.EOF is returned only when
// no text was read.
func (p *prompter) line(ctx context.Context) (string, error) {
	ch := make(chan lineResult, 1)
	go func() {
		s, err := p.in.ReadString('\n')
		ch <- lineResult{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if !errors.Is(r.err, io.EOF) {
				return "", fmt.Errorf("failed to read input: %w", r.err)
			}
			if r.text == "" {
				return "", io.EOF
			}
		}
		return strings.TrimRight(r.text, "\r\n"), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// passcode reads a passcode with echo disabled on a terminal.
func (p *prompter) passcode(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if !p.tty {
		return p.line(ctx)
	}

	state, err := term.GetState(p.fd)
	if err != nil {
		return "", fmt.Errorf("failed to read terminal state: %w", err)
	}
	ch := make(chan lineResult, 1)
	go func() {
		b, err := term.ReadPassword(p.fd)
		ch <- lineResult{string(b), err}
	}()

	select {
	case r := <-ch:
		fmt.Fprintln(p.out)
		if r.err != nil {
			return "", fmt.Errorf("failed to read passcode: %w", r.err)
		}
		return r.text, nil
	case <-ctx.Done():
		// ReadPassword restores echo only when it returns
		_ = term.Restore(p.fd, state)
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	}
}

// Confirm implements recovery.Confirmer. An empty answer or end of input
// closes the prompt without choosing.
func (p *prompter) Confirm(ctx context.Context, pr recovery.Prompt) (recovery.Choice, error) {
	fmt.Fprintf(p.out, "\n%s\n%s\n", pr.Title, pr.Text)
	fmt.Fprintf(p.out, "  1) %s\n  2) %s\n", pr.Confirm, pr.Cancel)

	for {
		fmt.Fprint(p.out, "Choose [1/2, Enter to close]: ")
		answer, err := p.line(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(p.out)
			return recovery.ChoiceDismissed, nil
		}
		if err != nil {
			return recovery.ChoiceDismissed, err
		}

		if choice, ok := parseChoice(answer, pr); ok {
			return choice, nil
		}
		fmt.Fprintf(p.errOut, "warning: unrecognized answer %q\n", answer)
	}
}

// parseChoice accepts a button number or label, case-insensitively.
func parseChoice(answer string, pr recovery.Prompt) (recovery.Choice, bool) {
	a := strings.TrimSpace(answer)
	switch {
	case a == "":
		return recovery.ChoiceDismissed, true
	case a == "1" || strings.EqualFold(a, pr.Confirm):
		return recovery.ChoiceConfirm, true
	case a == "2" || strings.EqualFold(a, pr.Cancel):
		return recovery.ChoiceCancel, true
	default:
		return recovery.ChoiceDismissed, false
	}
}

// confirmYesNo asks a yes/no question; anything but y/yes is no.
func (p *prompter) confirmYesNo(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	answer, err := p.line(ctx)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "y" || a == "yes", nil
}
