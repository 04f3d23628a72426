// Package transport implements the external RPC descriptor contract
// consumed by a RemoteBroker proffered entry: a lazily-dialed gRPC
// connection to the remote broker endpoint, and the optional websocket
// stream multiplexer a service can ask for as a side channel.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered with grpc's encoding package so the
// connections in this package (grpcconn.go) can invoke the remote broker's RPCs without
// a protobuf schema: the broker protocol here is small and fixed (see
// ServiceChannelRequest/ServiceChannelInfo), so plain JSON messages
// carried over a gRPC transport cover it without codegen.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }
