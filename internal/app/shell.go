package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/CelloSerenity/idevice/internal/debugproxy"
	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/util"
)

// commandRunner is the slice of the debug client the shell drives.
type commandRunner interface {
	SendCommand(debugproxy.Command) (debugproxy.Response, error)
	ReadResponse() (debugproxy.Response, error)
}

// runShell reads commands line by line, sends each to the debug service
// and prints the immediate reply plus any queued follow-ups. The first
// whitespace-separated token is the command name, the rest are its
// arguments.
//
// A failed command is reported and the loop keeps going; only a closed
// connection, "quit" or end of input ends the shell.
func runShell(in io.Reader, out io.Writer, c commandRunner) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "debug> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" {
			return nil
		}

		resp, err := c.SendCommand(debugproxy.NewCommand(fields[0], fields[1:]...))
		if err != nil {
			if errors.Is(err, errdefs.ErrConnectionClosed) {
				fmt.Fprintln(out, "Connection closed by the device.")
				return nil
			}
			util.LogError("Command failed: %v", err)
			continue
		}
		printResponse(out, resp)

		if err := drainResponses(out, c); err != nil {
			fmt.Fprintln(out, "Connection closed by the device.")
			return nil
		}
	}
}

// drainResponses empties the reply queue after a command, printing each
// entry. It returns an error only when the connection is gone; running
// dry is the normal way out.
func drainResponses(out io.Writer, c commandRunner) error {
	for {
		resp, err := c.ReadResponse()
		if err != nil {
			if errors.Is(err, errdefs.ErrNoPendingData) {
				return nil
			}
			if errors.Is(err, errdefs.ErrConnectionClosed) {
				return err
			}
			util.LogError("Reading queued response failed: %v", err)
			return nil
		}
		printResponse(out, resp)
	}
}

func printResponse(out io.Writer, r debugproxy.Response) {
	switch {
	case r.Notification:
		fmt.Fprintf(out, "%% %s\n", r.Payload)
	case r.Empty():
		fmt.Fprintln(out, "(no response)")
	default:
		fmt.Fprintln(out, r.Payload)
	}
}
