// Package prompt asks the operator to arbitrate destructive choices.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
)

// Decider provides yes/no and menu decisions
type Decider interface {
	// Confirm asks a yes/no question
	Confirm(ctx context.Context, question string) (bool, error)
	// Choose presents numbered options and returns the 1-based choice, or 0
	// when the answer does not name an option.
	Choose(ctx context.Context, question string, options []string) (int, error)
}

// ErrNoAnswer is returned when a scripted decider runs out of answers or the
// input stream is closed before an answer was read.
var ErrNoAnswer = errors.New("no answer available")

// ErrAborted is returned when the operator cancels a prompt
var ErrAborted = errors.New("prompt aborted")

// HuhDecider prompts on the terminal with huh forms
type HuhDecider struct {
	accessible bool
}

// NewHuhDecider creates a terminal decider. Accessible mode renders plain
// line prompts instead of the interactive widgets.
func NewHuhDecider(accessible bool) *HuhDecider {
	return &HuhDecider{accessible: accessible}
}

// Confirm shows a yes/no confirmation
func (d *HuhDecider) Confirm(ctx context.Context, question string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(question).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithAccessible(d.accessible)

	if err := run(ctx, form); err != nil {
		return false, err
	}
	return ok, nil
}

// Choose shows a single-select menu
func (d *HuhDecider) Choose(ctx context.Context, question string, options []string) (int, error) {
	var choice int
	opts := make([]huh.Option[int], 0, len(options))
	for i, label := range options {
		opts = append(opts, huh.NewOption(fmt.Sprintf("%d) %s", i+1, label), i+1))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title(question).
				Options(opts...).
				Value(&choice),
		),
	).WithAccessible(d.accessible)

	if err := run(ctx, form); err != nil {
		return 0, err
	}
	return choice, nil
}

func run(ctx context.Context, form *huh.Form) error {
	err := form.RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrAborted
	}
	return err
}

// LineDecider reads answers line by line, for pipes and dumb terminals
type LineDecider struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLineDecider creates a decider reading from in and prompting on out
func NewLineDecider(in io.Reader, out io.Writer) *LineDecider {
	return &LineDecider{in: bufio.NewReader(in), out: out}
}

// Confirm accepts y or yes (any case); everything else declines
func (d *LineDecider) Confirm(_ context.Context, question string) (bool, error) {
	_, _ = fmt.Fprintf(d.out, "%s [y/N]: ", question)
	answer, err := d.readLine()
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

// Choose prints the numbered options and reads the selection
func (d *LineDecider) Choose(_ context.Context, question string, options []string) (int, error) {
	_, _ = fmt.Fprintln(d.out, question)
	for i, label := range options {
		_, _ = fmt.Fprintf(d.out, "  %d) %s\n", i+1, label)
	}
	_, _ = fmt.Fprintf(d.out, "Choice [1-%d]: ", len(options))

	answer, err := d.readLine()
	if err != nil {
		return 0, err
	}
	return parseChoice(answer, len(options)), nil
}

func (d *LineDecider) readLine() (string, error) {
	line, err := d.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrNoAnswer
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Scripted replays pre-recorded answers in order
type Scripted struct {
	Answers []string
	// Asked records every question in the order it was asked
	Asked []string
}

// NewScripted creates a decider that answers with the given strings
func NewScripted(answers ...string) *Scripted {
	return &Scripted{Answers: answers}
}

// Confirm consumes the next answer as yes/no
func (s *Scripted) Confirm(_ context.Context, question string) (bool, error) {
	answer, err := s.next(question)
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

// Choose consumes the next answer as a menu number
func (s *Scripted) Choose(_ context.Context, question string, options []string) (int, error) {
	answer, err := s.next(question)
	if err != nil {
		return 0, err
	}
	return parseChoice(answer, len(options)), nil
}

func (s *Scripted) next(question string) (string, error) {
	s.Asked = append(s.Asked, question)
	if len(s.Answers) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoAnswer, question)
	}
	answer := s.Answers[0]
	s.Answers = s.Answers[1:]
	return answer, nil
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func parseChoice(answer string, n int) int {
	choice, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || choice < 1 || choice > n {
		return 0
	}
	return choice
}
