package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceChannelRequest is the argument to the remote broker's
// RequestServiceChannel RPC.
type ServiceChannelRequest struct {
	Identity            string            `json:"identity"`
	ActivationArguments map[string]string `json:"activationArguments,omitempty"`
}

// ServiceChannelInfo is the all-or-nothing result: a zero value (empty
// PipeName) means "no service" rather than an error.
type ServiceChannelInfo struct {
	RequestID    string `json:"requestId"`
	PipeName     string `json:"pipeName"`
	MuxChannelID string `json:"muxChannelId,omitempty"`
}

// Dialer dials remote broker endpoints over gRPC. It dials only when
// Dial is called; RemoteBroker defers that call to its first use.
type Dialer struct {
	DialTimeout time.Duration
}

func (d Dialer) timeout() time.Duration {
	if d.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return d.DialTimeout
}

// Dial blocks until the connection is ready or DialTimeout elapses.
func (d Dialer) Dial(ctx context.Context, target string) (*RemoteConnection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	cc, err := grpc.DialContext(dialCtx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial remote broker %s: %w", target, err)
	}
	return &RemoteConnection{cc: cc}, nil
}

// RemoteConnection is an established connection to a remote broker
// endpoint. It is safe for concurrent use; the underlying ClientConn
// already serializes its own stream setup.
type RemoteConnection struct {
	mu sync.Mutex
	cc *grpc.ClientConn
}

// RequestServiceChannel asks the remote broker to activate identity
// and hand back the pipe the caller should dial separately. A nil,nil
// result means the remote broker declined (no service by that name).
func (c *RemoteConnection) RequestServiceChannel(ctx context.Context, identity string, activationArgs map[string]string) (*ServiceChannelInfo, error) {
	req := &ServiceChannelRequest{Identity: identity, ActivationArguments: activationArgs}
	info := &ServiceChannelInfo{}
	if err := c.cc.Invoke(ctx, "/servicehub.RemoteBroker/RequestServiceChannel", req, info); err != nil {
		return nil, fmt.Errorf("transport: request service channel for %s: %w", identity, err)
	}
	if info.PipeName == "" {
		return nil, nil
	}
	return info, nil
}

// CancelServiceRequest tells the remote broker to abandon a pending or
// active channel request.
func (c *RemoteConnection) CancelServiceRequest(ctx context.Context, requestID string) error {
	var reply struct{}
	req := &struct {
		RequestID string `json:"requestId"`
	}{RequestID: requestID}
	if err := c.cc.Invoke(ctx, "/servicehub.RemoteBroker/CancelServiceRequest", req, &reply); err != nil {
		return fmt.Errorf("transport: cancel service request %s: %w", requestID, err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *RemoteConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	err := c.cc.Close()
	c.cc = nil
	return err
}
