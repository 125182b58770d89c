package l2cap

import (
	"encoding/binary"
	"errors"
	"io"
)

// SignallingPacket is a single command on the L2CAP signalling channel. All
// multi-byte fields are little-endian per the Bluetooth Core Specification.
type SignallingPacket interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

const headerSize = 4

func UnmarshalSignallingPacket(buf []byte) (SignallingPacket, error) {
	if len(buf) < headerSize {
		return nil, io.ErrShortBuffer
	}
	var p SignallingPacket
	switch Opcode(buf[0]) {
	case OpcodeCommandRejectResponse:
		p = &CommandRejectResponsePacket{}
	case OpcodeInformationRequest:
		p = &InformationRequestPacket{}
	case OpcodeInformationResponse:
		p = &InformationResponsePacket{}
	default:
		return nil, errors.New("unsupported opcode")
	}
	return p, p.Unmarshal(buf)
}

type CommandRejectReason uint16

const (
	CommandRejectReasonCommandNotUnderstood CommandRejectReason = 0x0000
	CommandRejectReasonSignalingMTUExceeded CommandRejectReason = 0x0001
	CommandRejectReasonInvalidCIDInRequest  CommandRejectReason = 0x0002
)

type CommandRejectResponsePacket struct {
	CommandRejectReason
	Identifier uint8
	ReasonData []byte
}

func (p *CommandRejectResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 6+len(p.ReasonData))
	b[0] = byte(OpcodeCommandRejectResponse)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], uint16(len(p.ReasonData)+2))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.CommandRejectReason))
	copy(b[6:], p.ReasonData)
	return b, nil
}

func (p *CommandRejectResponsePacket) Unmarshal(buf []byte) error {
	if len(buf) < 6 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(OpcodeCommandRejectResponse) {
		return errors.New("invalid opcode")
	}
	p.Identifier = buf[1]
	p.CommandRejectReason = CommandRejectReason(binary.LittleEndian.Uint16(buf[4:]))
	p.ReasonData = buf[6:]
	if len(p.ReasonData) != int(binary.LittleEndian.Uint16(buf[2:4]))-2 {
		return io.ErrShortBuffer
	}
	return nil
}

type InformationRequestPacket struct {
	Identifier uint8
	InfoType
}

func (p *InformationRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 6)
	b[0] = byte(OpcodeInformationRequest)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], 2)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.InfoType))
	return b, nil
}

func (p *InformationRequestPacket) Unmarshal(buf []byte) error {
	if len(buf) < 6 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(OpcodeInformationRequest) {
		return errors.New("invalid opcode")
	}
	p.Identifier = buf[1]
	if binary.LittleEndian.Uint16(buf[2:]) != 2 {
		return errors.New("invalid length")
	}
	p.InfoType = InfoType(binary.LittleEndian.Uint16(buf[4:]))
	return nil
}

type InformationResponsePacket struct {
	Identifier uint8
	InfoType
	Result InfoResult
	Info   []byte
}

func (p *InformationResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 8+len(p.Info))
	b[0] = byte(OpcodeInformationResponse)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], uint16(len(p.Info)+4))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.InfoType))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.Result))
	copy(b[8:], p.Info)
	return b, nil
}

func (p *InformationResponsePacket) Unmarshal(buf []byte) error {
	if len(buf) < 8 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(OpcodeInformationResponse) {
		return errors.New("invalid opcode")
	}
	p.Identifier = buf[1]
	p.InfoType = InfoType(binary.LittleEndian.Uint16(buf[4:]))
	p.Result = InfoResult(binary.LittleEndian.Uint16(buf[6:]))
	p.Info = buf[8:]
	if len(p.Info) != int(binary.LittleEndian.Uint16(buf[2:4]))-4 {
		return io.ErrShortBuffer
	}
	return nil
}

// MTU returns the connectionless MTU carried by a successful response to an
// InfoTypeConnectionlessMTU request.
func (p *InformationResponsePacket) MTU() (uint16, error) {
	if len(p.Info) < 2 {
		return 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(p.Info), nil
}

// FeatureMask returns the extended feature mask carried by a successful
// response to an InfoTypeExtendedFeatures request.
func (p *InformationResponsePacket) FeatureMask() (uint32, error) {
	if len(p.Info) < 4 {
		return 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(p.Info), nil
}
