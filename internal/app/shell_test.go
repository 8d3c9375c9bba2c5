package app

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/CelloSerenity/idevice/internal/debugproxy"
	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// fakeClient scripts the debug service side of the shell. SendCommand
// records every command so tests can check the tokenization.
type fakeClient struct {
	sendFn func(debugproxy.Command) (debugproxy.Response, error)
	readFn func() (debugproxy.Response, error)
	sent   []debugproxy.Command
}

func (f *fakeClient) SendCommand(cmd debugproxy.Command) (debugproxy.Response, error) {
	f.sent = append(f.sent, cmd)
	if f.sendFn == nil {
		return debugproxy.Response{Payload: "OK"}, nil
	}
	return f.sendFn(cmd)
}

func (f *fakeClient) ReadResponse() (debugproxy.Response, error) {
	if f.readFn == nil {
		return debugproxy.Response{}, errdefs.ErrNoPendingData
	}
	return f.readFn()
}

func TestShellSendsTokenizedCommands(t *testing.T) {
	fc := &fakeClient{}
	out := &strings.Builder{}

	err := runShell(strings.NewReader("qSupported\nqRcmd status test\nquit\n"), out, fc)
	require.NoError(t, err)

	want := []debugproxy.Command{
		debugproxy.NewCommand("qSupported"),
		debugproxy.NewCommand("qRcmd", "status", "test"),
	}
	if diff := cmp.Diff(want, fc.sent, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("sent commands mismatch (-want +got):\n%s", diff)
	}
	require.Contains(t, out.String(), "OK")
}

func TestShellExitsOnEndOfInput(t *testing.T) {
	fc := &fakeClient{}

	err := runShell(strings.NewReader("qSupported\n"), &strings.Builder{}, fc)
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)
}

func TestShellSkipsBlankLines(t *testing.T) {
	fc := &fakeClient{}

	err := runShell(strings.NewReader("\n   \n\tquit\n"), &strings.Builder{}, fc)
	require.NoError(t, err)
	require.Empty(t, fc.sent)
}

func TestShellMarksEmptyReplies(t *testing.T) {
	fc := &fakeClient{
		sendFn: func(debugproxy.Command) (debugproxy.Response, error) {
			return debugproxy.Response{}, nil
		},
	}
	out := &strings.Builder{}

	err := runShell(strings.NewReader("vMustReplyEmpty\nquit\n"), out, fc)
	require.NoError(t, err)
	require.Contains(t, out.String(), "(no response)")
}

func TestShellDrainsQueuedResponses(t *testing.T) {
	queued := []debugproxy.Response{
		{Payload: "Stop: watchpoint 2", Notification: true},
		{Payload: "T05thread:01;"},
	}
	fc := &fakeClient{
		readFn: func() (debugproxy.Response, error) {
			if len(queued) == 0 {
				return debugproxy.Response{}, errdefs.ErrNoPendingData
			}
			r := queued[0]
			queued = queued[1:]
			return r, nil
		},
	}
	out := &strings.Builder{}

	err := runShell(strings.NewReader("c\nquit\n"), out, fc)
	require.NoError(t, err)
	require.Contains(t, out.String(), "% Stop: watchpoint 2")
	require.Contains(t, out.String(), "T05thread:01;")
}

func TestShellKeepsGoingAfterCommandError(t *testing.T) {
	calls := 0
	fc := &fakeClient{
		sendFn: func(debugproxy.Command) (debugproxy.Response, error) {
			calls++
			if calls == 1 {
				return debugproxy.Response{}, fmt.Errorf("no reply: %w", errdefs.ErrTimeout)
			}
			return debugproxy.Response{Payload: "OK"}, nil
		},
	}
	out := &strings.Builder{}

	err := runShell(strings.NewReader("slow\nfast\nquit\n"), out, fc)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "the shell must survive a timed-out command")
	require.Contains(t, out.String(), "OK")
}

func TestShellEndsWhenDeviceHangsUp(t *testing.T) {
	fc := &fakeClient{
		sendFn: func(debugproxy.Command) (debugproxy.Response, error) {
			return debugproxy.Response{}, fmt.Errorf("send: %w", errdefs.ErrConnectionClosed)
		},
	}
	out := &strings.Builder{}

	err := runShell(strings.NewReader("c\nnever-sent\nquit\n"), out, fc)
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)
	require.Contains(t, out.String(), "Connection closed")
}

func TestShellEndsWhenDrainLosesTheConnection(t *testing.T) {
	fc := &fakeClient{
		readFn: func() (debugproxy.Response, error) {
			return debugproxy.Response{}, errdefs.ErrConnectionClosed
		},
	}
	out := &strings.Builder{}

	err := runShell(strings.NewReader("c\nnever-sent\nquit\n"), out, fc)
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)
	require.Contains(t, out.String(), "Connection closed")
}
