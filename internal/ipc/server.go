// Package ipc implements the remote facade's named-pipe side: parsing
// a client's handshake metadata, validating a connecting client's
// process id against its activation arguments, and splicing an
// accepted stream to a freshly acquired service pipe.
package ipc

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/tidwall/gjson"
)

// HostProcessIDArg is the activation-argument key that carries the
// decimal process id the connecting client must match.
const HostProcessIDArg = "__servicehub__HostProcessId"

// ChannelProvider is the minimal capability the remote facade needs to
// answer RequestServiceChannel: acquire a service pipe for an
// identity, the way a direct GetPipe call would.
type ChannelProvider interface {
	AcquireServicePipe(ctx context.Context, identity string, activationArgs map[string]string) (net.Conn, error)
}

// ClientMetadata is the handshake payload a client advertises before
// any request.
type ClientMetadata struct {
	Transport string
	ProcessID int
}

// ParseClientMetadata extracts the fields Handshake needs from the
// client-supplied JSON blob. Using gjson instead of a fixed struct
// lets the handshake payload grow new fields without this parser
// needing to track them all.
func ParseClientMetadata(raw []byte) ClientMetadata {
	return ClientMetadata{
		Transport: gjson.GetBytes(raw, "transport").String(),
		ProcessID: int(gjson.GetBytes(raw, "processId").Int()),
	}
}

// ErrUnsupportedTransport is returned by Handshake when the client
// does not advertise pipe-based transport.
var ErrUnsupportedTransport = fmt.Errorf("ipc: client does not advertise pipe transport")

// Handshake rejects clients that do not advertise pipe-based transport.
func Handshake(meta ClientMetadata) error {
	if meta.Transport != "pipe" {
		return ErrUnsupportedTransport
	}
	return nil
}

// Server is the remote facade's named-pipe side. Each
// RequestServiceChannel call installs a fresh, single-connection
// listener under namePrefix, accepts exactly one client, validates its
// process id, and splices the accepted stream to a service pipe
// acquired from provider.
type Server struct {
	provider   ChannelProvider
	namePrefix string

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

// NewServer builds a Server whose per-request pipe names are prefixed
// with namePrefix (e.g. the host process's name).
func NewServer(provider ChannelProvider, namePrefix string) *Server {
	return &Server{provider: provider, namePrefix: namePrefix, pending: make(map[string]context.CancelFunc)}
}

// RequestServiceChannel installs the per-request pipe and returns its
// descriptor once the listener is ready to accept. The splice runs in
// the background and completes, or fails, asynchronously; callers
// observe the outcome only via CancelServiceRequest or connection
// loss, matching the "all-or-nothing, empty means no service" shape
// of the RPC contract one layer up in internal/transport.
func (s *Server) RequestServiceChannel(ctx context.Context, identity string, activationArgs map[string]string) (requestID, pipeName string, err error) {
	requestID = uuid.NewString()
	pipeName = s.namePrefix + "-" + requestID

	ln, err := Listen(pipeName)
	if err != nil {
		return "", "", fmt.Errorf("ipc: listen for request %s: %w", requestID, err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.pending[requestID] = cancel
	s.mu.Unlock()

	go s.serveOne(reqCtx, ln, requestID, identity, activationArgs)
	return requestID, pipeName, nil
}

// CancelServiceRequest disposes the listener for a still-pending
// request, if any; it is a no-op once the request has already been
// served or has expired.
func (s *Server) CancelServiceRequest(requestID string) {
	s.mu.Lock()
	cancel, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) serveOne(ctx context.Context, ln net.Listener, requestID, identity string, activationArgs map[string]string) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		ln.Close()
	}()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- acceptResult{conn, err}
	}()

	var client net.Conn
	select {
	case <-ctx.Done():
		return
	case r := <-accepted:
		if r.err != nil {
			return
		}
		client = r.conn
	}
	defer client.Close()

	if wantPID, ok := activationArgs[HostProcessIDArg]; ok {
		if err := validateClientPID(client, wantPID); err != nil {
			return
		}
	}

	service, err := s.provider.AcquireServicePipe(ctx, identity, activationArgs)
	if err != nil || service == nil {
		return
	}
	defer service.Close()

	splice(ctx, client, service)
}

// validateClientPID reads the connecting client's process id where the
// platform exposes it and rejects the connection if it does not match
// wantPID. Platforms without peer-pid support (the error from peerPID
// itself) are treated as "nothing to validate", not a rejection.
func validateClientPID(conn net.Conn, wantPID string) error {
	pid, err := peerPID(conn)
	if err != nil {
		return nil
	}
	want, err := strconv.Atoi(wantPID)
	if err != nil {
		return fmt.Errorf("ipc: invalid activation process id %q: %w", wantPID, err)
	}
	if pid != want {
		return fmt.Errorf("ipc: connecting client pid %d does not match activation pid %d", pid, want)
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return fmt.Errorf("ipc: activation pid %d is not a running process", pid)
	}
	return nil
}

func splice(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}
