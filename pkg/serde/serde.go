// Package serde encodes the JSON views served by the CLI and the diag server.
package serde

import (
	"sync"

	"github.com/ugorji/go/codec"
)

type resolver struct {
	jsonHandle  codec.JsonHandle
	jsonEncoder *codec.Encoder
	jsonDecoder *codec.Decoder
	jsonData    []byte

	mu sync.Mutex
}

var gendecoder resolver

func init() {
	gendecoder.jsonHandle = codec.JsonHandle{}
	gendecoder.jsonHandle.ErrorIfNoField = true
	gendecoder.jsonHandle.TypeInfos = codec.NewTypeInfos([]string{"json"})
	gendecoder.jsonData = make([]byte, 0, 4096)
	gendecoder.jsonEncoder = codec.NewEncoderBytes(&gendecoder.jsonData, &gendecoder.jsonHandle)
	gendecoder.jsonDecoder = codec.NewDecoderBytes(nil, &gendecoder.jsonHandle)
}

// MarshalJSON returns a freshly allocated encoding of v.
func MarshalJSON[T any](v T) ([]byte, error) {
	gendecoder.mu.Lock()
	defer gendecoder.mu.Unlock()

	gendecoder.jsonData = gendecoder.jsonData[:0]
	gendecoder.jsonEncoder.ResetBytes(&gendecoder.jsonData)
	if err := gendecoder.jsonEncoder.Encode(v); err != nil {
		return nil, err
	}

	ret := make([]byte, len(gendecoder.jsonData))
	copy(ret, gendecoder.jsonData)
	return ret, nil
}

// UnmarshalJSON decodes data into v, rejecting fields v does not declare.
func UnmarshalJSON[T any](data []byte, v T) error {
	gendecoder.mu.Lock()
	defer gendecoder.mu.Unlock()

	gendecoder.jsonDecoder.ResetBytes(data)
	return gendecoder.jsonDecoder.Decode(v)
}
