package debugproxy

import (
	"fmt"
	"strings"

	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// Command is one request to the debug service: a name plus optional
// arguments.
type Command struct {
	Name string
	Args []string
}

// NewCommand builds a command from a name and its arguments.
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// wire renders the packet payload: the name, then any arguments, separated
// by single spaces.
func (c Command) wire() (string, error) {
	if c.Name == "" {
		return "", fmt.Errorf("%w: empty command name", errdefs.ErrCommand)
	}
	if len(c.Args) == 0 {
		return c.Name, nil
	}
	return c.Name + " " + strings.Join(c.Args, " "), nil
}

// Response is one packet from the debug service.
type Response struct {
	Payload string
	// Notification marks replies that arrived as asynchronous events
	// rather than as the answer to a command.
	Notification bool
}

// Empty reports whether the service answered with the bare reply it uses
// for unsupported commands.
func (r Response) Empty() bool { return r.Payload == "" }
