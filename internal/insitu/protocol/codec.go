package protocol

import (
	"fmt"

	"github.com/GriffinCanCode/vizflow/internal/archive"
	"github.com/GriffinCanCode/vizflow/internal/message"
)

var decoders = map[Type]func([]byte) (Payload, error){
	TypeShmInfo:           decodeAs[ShmInfo],
	TypeSetPorts:          decodeAs[SetPorts],
	TypeSetCommands:       decodeAs[SetCommands],
	TypeSetCustomCommands: decodeAs[SetCustomCommands],
	TypeIntOption:         decodeAs[IntOption],
	TypeExecuteCommand:    decodeAs[ExecuteCommand],
	TypeConnectPort:       decodeAs[ConnectPort],
	TypeDisconnectPort:    decodeAs[DisconnectPort],
	TypeGoOn:              decodeAs[GoOn],
	TypeAddObject:         decodeAs[AddObject],
	TypeConnectionClosed:  decodeAs[ConnectionClosed],
	TypeQuit:              decodeAs[Quit],
	TypeReady:             decodeAs[Ready],
	TypePackageComplete:   decodeAs[PackageComplete],
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if err := archive.DecodeValue(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode packs p into a channel message
func Encode(p Payload) (message.Message, error) {
	t := p.Type()
	if t == TypeInvalid {
		return message.Message{}, fmt.Errorf("%w: cannot send Invalid", ErrProtocol)
	}
	data, err := archive.EncodeValue(p)
	if err != nil {
		return message.Message{}, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return message.Message{Tag: uint32(t), Data: data}, nil
}

// Decode unpacks a channel message. Unknown tags and garbled bodies yield
// Invalid together with an ErrProtocol error; callers log and move on.
func Decode(m message.Message) (Payload, error) {
	t := Type(m.Tag)
	decode, ok := decoders[t]
	if !ok {
		return Invalid{Tag: m.Tag}, fmt.Errorf("%w: unknown message type %d", ErrProtocol, m.Tag)
	}
	p, err := decode(m.Data)
	if err != nil {
		return Invalid{Tag: m.Tag}, fmt.Errorf("%w: %s with %d bytes: %v", ErrProtocol, t, len(m.Data), err)
	}
	return p, nil
}
