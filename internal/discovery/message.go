package discovery

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtocolID tags every datagram; anything else on the port is ignored.
const ProtocolID = "trainfleet/1"

// Kind distinguishes the two datagrams of the handshake.
type Kind string

const (
	KindProbe Kind = "probe"
	KindReply Kind = "reply"
)

// ErrForeignDatagram is returned by ParseMessage for datagrams that are not
// trainfleet discovery messages.
var ErrForeignDatagram = errors.New("discovery: foreign datagram")

// Message is the decoded discovery datagram.
type Message struct {
	Kind         Kind
	Hostname     string
	Capabilities map[string]string
	// APIPort is the coordinator's gRPC port, carried by probes only.
	APIPort int
}

// Marshal encodes m as a protobuf google.protobuf.Struct.
func (m Message) Marshal() ([]byte, error) {
	caps := make(map[string]interface{}, len(m.Capabilities))
	for k, v := range m.Capabilities {
		caps[k] = v
	}
	fields := map[string]interface{}{
		"proto":        ProtocolID,
		"type":         string(m.Kind),
		"hostname":     m.Hostname,
		"capabilities": caps,
	}
	if m.Kind == KindProbe {
		fields["api_port"] = m.APIPort
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode: %w", err)
	}
	return proto.Marshal(st)
}

// ParseMessage decodes a datagram. Malformed or foreign payloads yield
// ErrForeignDatagram.
func ParseMessage(b []byte) (Message, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrForeignDatagram, err)
	}
	f := st.GetFields()
	if f["proto"].GetStringValue() != ProtocolID {
		return Message{}, ErrForeignDatagram
	}

	m := Message{
		Kind:     Kind(f["type"].GetStringValue()),
		Hostname: f["hostname"].GetStringValue(),
	}
	switch m.Kind {
	case KindProbe:
		port := f["api_port"].GetNumberValue()
		if port <= 0 || port > 65535 {
			return Message{}, fmt.Errorf("%w: probe without api_port", ErrForeignDatagram)
		}
		m.APIPort = int(port)
	case KindReply:
	default:
		return Message{}, fmt.Errorf("%w: type %q", ErrForeignDatagram, m.Kind)
	}

	if caps := f["capabilities"].GetStructValue(); caps != nil {
		m.Capabilities = make(map[string]string, len(caps.GetFields()))
		for k, v := range caps.GetFields() {
			m.Capabilities[k] = v.GetStringValue()
		}
	}
	return m, nil
}
