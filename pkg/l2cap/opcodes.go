package l2cap

type Opcode uint8

const (
	OpcodeCommandRejectResponse Opcode = 0x01
	OpcodeConnectionRequest     Opcode = 0x02
	OpcodeConnectionResponse    Opcode = 0x03
	OpcodeConfigurationRequest  Opcode = 0x04
	OpcodeConfigurationResponse Opcode = 0x05
	OpcodeDisconnectionRequest  Opcode = 0x06
	OpcodeDisconnectionResponse Opcode = 0x07
	OpcodeEchoRequest           Opcode = 0x08
	OpcodeEchoResponse          Opcode = 0x09
	OpcodeInformationRequest    Opcode = 0x0A
	OpcodeInformationResponse   Opcode = 0x0B
)

// Section 4.10
type InfoType uint16

const (
	InfoTypeConnectionlessMTU InfoType = 0x0001
	InfoTypeExtendedFeatures  InfoType = 0x0002
	InfoTypeFixedChannels     InfoType = 0x0003
)

type InfoResult uint16

const (
	InfoResultSuccess      InfoResult = 0x0000
	InfoResultNotSupported InfoResult = 0x0001
)

// Extended feature mask bits, Section 4.12.
const (
	FeatureFlowControl       uint32 = 0x00000001
	FeatureRetransmission    uint32 = 0x00000002
	FeatureBidirectionalQoS  uint32 = 0x00000004
	FeatureEnhancedRetrans   uint32 = 0x00000008
	FeatureStreaming         uint32 = 0x00000010
	FeatureFCSOption         uint32 = 0x00000020
	FeatureExtendedFlowSpec  uint32 = 0x00000040
	FeatureFixedChannels     uint32 = 0x00000080
	FeatureExtendedWindow    uint32 = 0x00000100
	FeatureUnicastConnless   uint32 = 0x00000200
	FeatureEnhancedCreditCoC uint32 = 0x00000400
)
