package runner

import (
	"errors"
	"fmt"
	"strings"
)

// Action names what a command asks of the session.
type Action string

const (
	ActionIntent  Action = "intent"
	ActionConfirm Action = "confirm"
	ActionReject  Action = "reject"
	ActionSelect  Action = "select"
	ActionRetry   Action = "retry"
	ActionCancel  Action = "cancel"
	ActionState   Action = "state"
	ActionHelp    Action = "help"
	ActionQuit    Action = "quit"
)

// Command is one parsed line of input.
type Command struct {
	Action Action `json:"action"`
	Arg    string `json:"arg,omitempty"`
}

var ErrUnknownCommand = errors.New("unknown command")

var aliases = map[string]Action{
	"confirm": ActionConfirm, "yes": ActionConfirm, "y": ActionConfirm,
	"reject": ActionReject, "no": ActionReject, "n": ActionReject,
	"select": ActionSelect, "pick": ActionSelect,
	"retry":  ActionRetry,
	"cancel": ActionCancel,
	"state":  ActionState, "status": ActionState,
	"help": ActionHelp, "?": ActionHelp,
	"quit": ActionQuit, "exit": ActionQuit, "q": ActionQuit,
}

// ParseCommand turns a sanitized line into a Command. Lines starting with
// "/" are commands; anything else is an intent.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{Action: ActionIntent, Arg: line}, nil
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	action, ok := aliases[strings.ToLower(name)]
	if !ok {
		return Command{}, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
	return Command{Action: action, Arg: strings.TrimSpace(arg)}, nil
}

const helpText = `Type a request in plain words, or:
  /confirm [plan]   run the plan waiting for confirmation
  /reject           decline the open confirmation or question
  /select <n|id>    answer the open question
  /retry <step>     run a failed step again
  /cancel           stop what is running
  /state            show the session state
  /quit             leave`
