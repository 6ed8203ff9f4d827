// Package rpc defines the connect services exposed by the registry and the dev
// coprocessor. Messages are plain Go structs carried with a JSON codec, so both
// browsers and curl can talk to the server without generated stubs.
package rpc

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// Codec is the JSON codec registered on every handler and client in this
// package. It replaces connect's built-in protojson codec under the same name.
var Codec connect.Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to decode %T: %w", msg, err)
	}
	return nil
}
