//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// Listen opens a named pipe listener at \\.\pipe\<name>.
func Listen(name string) (net.Listener, error) {
	return winio.ListenPipe(pipePath(name), nil)
}

// Dial connects to a named pipe previously opened with Listen.
func Dial(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipePath(name))
}

func pipePath(name string) string {
	return `\\.\pipe\` + name
}

// peerPID reads the connecting client's process id via the named
// pipe's GetNamedPipeClientProcessId API.
func peerPID(conn net.Conn) (int, error) {
	type fder interface{ Fd() uintptr }
	f, ok := conn.(fder)
	if !ok {
		return 0, fmt.Errorf("ipc: peer pid is unavailable for this connection type")
	}
	var pid uint32
	if err := windows.GetNamedPipeClientProcessId(windows.Handle(f.Fd()), &pid); err != nil {
		return 0, fmt.Errorf("ipc: get named pipe client process id: %w", err)
	}
	return int(pid), nil
}
