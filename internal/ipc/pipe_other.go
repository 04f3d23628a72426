//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Listen opens a unix domain socket listener under the system temp
// directory, standing in for a named pipe on platforms without one.
func Listen(name string) (net.Listener, error) {
	path := socketPath(name)
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

// Dial connects to a unix domain socket previously opened with Listen.
func Dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath(name))
}

func socketPath(name string) string {
	return filepath.Join(os.TempDir(), "svchub-"+name+".sock")
}

// peerPID reads the connecting client's process id from the unix domain
// socket's SO_PEERCRED socket option.
func peerPID(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("ipc: peer pid is only available on unix sockets")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var pid int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			sockErr = err
			return
		}
		pid = int(cred.Pid)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return pid, nil
}
