package main

import (
	"fmt"
	"io"

	"github.com/srg/nearby/internal/registry"
)

// cliPayloadListener prints every payload and progress update it receives
// for one endpoint.
type cliPayloadListener struct {
	endpointID string
}

func (l *cliPayloadListener) Payload(endpointID string, p registry.Payload) {
	switch p.Type {
	case registry.PayloadTypeBytes:
		fmt.Printf("payload %d from %s: %q\n", p.ID, endpointID, string(p.Bytes))
	case registry.PayloadTypeStream:
		data, err := io.ReadAll(p.Stream)
		if err != nil {
			fmt.Printf("payload %d from %s: stream read error: %s\n", p.ID, endpointID, err)
			return
		}
		fmt.Printf("payload %d from %s: %d bytes (stream)\n", p.ID, endpointID, len(data))
	case registry.PayloadTypeFile:
		fmt.Printf("payload %d from %s: file %s\n", p.ID, endpointID, p.FileName)
	}
}

func (l *cliPayloadListener) PayloadProgress(endpointID string, p registry.PayloadProgress) {
	switch p.Status {
	case registry.PayloadSuccess:
		fmt.Printf("payload %d to/from %s: complete (%d/%d bytes)\n", p.PayloadID, endpointID, p.BytesTransferred, p.TotalBytes)
	case registry.PayloadFailure:
		fmt.Printf("payload %d to/from %s: failed\n", p.PayloadID, endpointID)
	case registry.PayloadCanceled:
		fmt.Printf("payload %d to/from %s: canceled\n", p.PayloadID, endpointID)
	}
}
