package tethered

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// Operations sent by the host.
const (
	opHello       = "hello"
	opBye         = "bye"
	opDevices     = "devices"
	opStatus      = "status"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opAppInfo     = "app_info"
	opOpenApp     = "open_app"
	opSend        = "send"
	opStore       = "store"
)

// Operations sent by the simulator.
const (
	opReady     = "ready"
	opInitError = "init_error"
	opShutdown  = "shutdown"
	opResult    = "result"
	opDevice    = "device"
	opMessage   = "message"
	opSent      = "sent"
	opOpened    = "opened"
)

// Error codes carried in frame.Error.
const (
	codeInvalidState       = "invalid_state"
	codeServiceUnavailable = "service_unavailable"
	codeUnsupported        = "unsupported"
)

// frame is one CBOR message in either direction. Which fields are set depends
// on Op. ID correlates a request with its result, sent and opened frames.
type frame struct {
	Op       string      `cbor:"op"`
	ID       uint64      `cbor:"id,omitempty"`
	Peer     uint64      `cbor:"peer,omitempty"`
	App      string      `cbor:"app,omitempty"`
	Version  int         `cbor:"ver,omitempty"`
	Status   string      `cbor:"status,omitempty"`
	Found    bool        `cbor:"found,omitempty"`
	Elements []any       `cbor:"elems,omitempty"`
	Peers    []peerFrame `cbor:"peers,omitempty"`
	Error    string      `cbor:"err,omitempty"`
}

type peerFrame struct {
	ID   uint64 `cbor:"id"`
	Name string `cbor:"name"`
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Op, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	if len(data) == 0 {
		return frame{}, fmt.Errorf("empty CBOR frame")
	}
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decoding CBOR frame: %w", err)
	}
	if f.Op == "" {
		return frame{}, fmt.Errorf("frame without op")
	}
	return f, nil
}

// remoteError maps a frame error code onto the transport fault sentinels.
func remoteError(code string) error {
	switch code {
	case "":
		return nil
	case codeInvalidState:
		return transport.ErrInvalidState
	case codeServiceUnavailable:
		return transport.ErrServiceUnavailable
	case codeUnsupported:
		return transport.ErrUnsupported
	default:
		return fmt.Errorf("simulator error: %s", code)
	}
}

func (p peerFrame) peer() transport.Peer {
	return transport.Peer{ID: p.ID, Name: p.Name}
}
