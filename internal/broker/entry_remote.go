package broker

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/svchub/broker/internal/ipc"
	"github.com/svchub/broker/internal/transport"
)

// RemoteBroker wraps a remote broker endpoint plus an optional
// out-of-band stream multiplexer; it serves a pre-filtered identity
// set and lazily establishes its RPC connection on first use.
type RemoteBroker struct {
	source   Source
	monikers map[Identity]bool
	target   string
	dialer   transport.Dialer
	mux      *transport.StreamMux

	mu   sync.Mutex
	conn *transport.RemoteConnection
}

// NewRemoteBroker builds a RemoteBroker for one of the remote sources
// (TrustedServer, UntrustedServer, TrustedExclusiveServer,
// TrustedExclusiveClient). mux may be nil when the remote endpoint has
// no side channel.
func NewRemoteBroker(source Source, monikers map[Identity]bool, target string, dialer transport.Dialer, mux *transport.StreamMux) *RemoteBroker {
	return &RemoteBroker{source: source, monikers: monikers, target: target, dialer: dialer, mux: mux}
}

func (e *RemoteBroker) Source() Source { return e.source }

func (e *RemoteBroker) Monikers() map[Identity]bool { return e.monikers }

func (e *RemoteBroker) ensureConn(ctx context.Context) (*transport.RemoteConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := e.dialer.Dial(ctx, e.target)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *RemoteBroker) GetPipe(ctx context.Context, requester *View, identity Identity, opts Options) (net.Conn, error) {
	conn, err := e.ensureConn(ctx)
	if err != nil {
		return nil, WrapActivationError(identity, FaultRemoteChannel, err)
	}
	info, err := conn.RequestServiceChannel(ctx, identity.String(), opts.ActivationArguments)
	if err != nil {
		return nil, WrapActivationError(identity, FaultRemoteChannel, err)
	}
	if info == nil {
		return nil, nil
	}
	if info.MuxChannelID != "" && e.mux != nil {
		pipe, err := e.mux.OpenChannel(info.MuxChannelID)
		if err != nil {
			return nil, WrapActivationError(identity, FaultRemoteChannel, err)
		}
		return pipe, nil
	}
	pipe, err := ipc.Dial(ctx, info.PipeName)
	if err != nil {
		return nil, WrapActivationError(identity, FaultRemoteChannel, fmt.Errorf("dial remote service pipe %s: %w", info.PipeName, err))
	}
	return pipe, nil
}

func (e *RemoteBroker) GetProxy(ctx context.Context, requester *View, identity Identity, opts Options) (any, error) {
	pipe, err := e.GetPipe(ctx, requester, identity, opts)
	if err != nil || pipe == nil {
		return nil, err
	}
	return pipe, nil
}

// Dispose closes the lazily-established connection, if any.
func (e *RemoteBroker) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	if e.mux != nil {
		if cerr := e.mux.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
