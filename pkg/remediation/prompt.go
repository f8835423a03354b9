package remediation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	ConfirmUnify         = "CONFIRMO"
	ConfirmCascadeDelete = "CONFIRMO DELETAR TUDO"
)

// ErrCancelled is returned when the operator quits or input ends.
var ErrCancelled = errors.New("remediation cancelled by operator")

// ConfirmationPhrase returns the phrase the operator must type for action, or
// "" when action is not destructive.
func ConfirmationPhrase(action Action) string {
	switch action {
	case ActionUnify:
		return ConfirmUnify
	case ActionCascadeDelete:
		return ConfirmCascadeDelete
	default:
		return ""
	}
}

// Prompter asks the operator line-based questions.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:  bufio.NewReader(in),
		out: out,
	}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		if errors.Is(err, io.EOF) {
			return "", ErrCancelled
		}
		return "", err
	}
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "sair", "q":
		return "", ErrCancelled
	}
	return line, nil
}

// ChooseAction asks which action to apply to count contacts of category.
// The answer may be the option number or the action name.
func (p *Prompter) ChooseAction(category Category, count int) (Action, error) {
	allowed := AllowedActions(category)
	for {
		_, _ = fmt.Fprintf(p.out, "\n%d contact(s) in category %q. Choose an action:\n", count, category)
		for i, action := range allowed {
			_, _ = fmt.Fprintf(p.out, "  %d) %s\n", i+1, action)
		}
		_, _ = fmt.Fprint(p.out, "Option (sair/q to quit): ")

		answer, err := p.readLine()
		if err != nil {
			return "", err
		}
		if n, convErr := strconv.Atoi(answer); convErr == nil && n >= 1 && n <= len(allowed) {
			return allowed[n-1], nil
		}
		for _, action := range allowed {
			if strings.EqualFold(answer, string(action)) {
				return action, nil
			}
		}
		_, _ = fmt.Fprintf(p.out, "Invalid option %q\n", answer)
	}
}

// Confirm asks for the exact confirmation phrase of a destructive action.
// Any other answer declines.
func (p *Prompter) Confirm(action Action, count int) (bool, error) {
	phrase := ConfirmationPhrase(action)
	if phrase == "" {
		return true, nil
	}
	_, _ = fmt.Fprintf(p.out, "About to %s %d contact(s). Type %q to proceed: ", action, count, phrase)

	answer, err := p.readLine()
	if err != nil {
		return false, err
	}
	if answer != phrase {
		_, _ = fmt.Fprintln(p.out, "Not confirmed, contacts retained.")
		return false, nil
	}
	return true, nil
}
