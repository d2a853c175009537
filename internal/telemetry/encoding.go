// Package telemetry publishes charging session events to an MQTT broker.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event types.
const (
	EventCPState         = "cp_state"
	EventSlacState       = "slac_state"
	EventHLCState        = "hlc_state"
	EventChargingStarted = "charging_started"
	EventChargingStopped = "charging_stopped"
	EventSessionEnd      = "session_end"
	EventLimits          = "limits"
)

// Event is one telemetry message. Field values are limited to strings,
// bools, float64, int and nested maps so that every encoding can carry them.
type Event struct {
	Type   string
	Time   time.Time
	Fields map[string]interface{}
}

func (e Event) envelope() map[string]interface{} {
	data := e.Fields
	if data == nil {
		data = map[string]interface{}{}
	}
	return map[string]interface{}{
		"type": e.Type,
		"time": e.Time.UTC().Format(time.RFC3339Nano),
		"data": data,
	}
}

// Encoder serializes events for the wire.
type Encoder interface {
	Name() string
	Encode(e Event) ([]byte, error)
}

// NewEncoder returns the encoder for json, cbor or proto.
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case "", "json":
		return jsonEncoder{}, nil
	case "cbor":
		em, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
		}
		return cborEncoder{em: em}, nil
	case "proto":
		return protoEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown telemetry encoding %q", name)
	}
}

type jsonEncoder struct{}

func (jsonEncoder) Name() string { return "json" }

func (jsonEncoder) Encode(e Event) ([]byte, error) {
	return json.Marshal(e.envelope())
}

type cborEncoder struct {
	em cbor.EncMode
}

func (cborEncoder) Name() string { return "cbor" }

func (c cborEncoder) Encode(e Event) ([]byte, error) {
	return c.em.Marshal(e.envelope())
}

// protoEncoder carries the envelope as a google.protobuf.Struct.
type protoEncoder struct{}

func (protoEncoder) Name() string { return "proto" }

func (protoEncoder) Encode(e Event) ([]byte, error) {
	s, err := structpb.NewStruct(e.envelope())
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry struct: %w", err)
	}
	return proto.Marshal(s)
}
