package protocol

import (
	"encoding/binary"
	"fmt"
)

// Request builders. Each function serializes typed arguments into one
// immutable Request with its expected response payload size. Pairing with
// the matching response parser in decode.go is purely positional; nothing
// here correlates requests with responses.

// NewDiscoverRequest probes for a device before any session exists.
func NewDiscoverRequest() *Request {
	payload := make([]byte, 4)
	copy(payload, DiscoverMagic[:])

	return &Request{
		Command:              CmdCommControl,
		Subfunction:          CommControlDiscover,
		Payload:              payload,
		ExpectedResponseSize: 4 + FirmwareIDSize + 1 + 64,
	}
}

// NewConnectRequest opens a session.
func NewConnectRequest() *Request {
	payload := make([]byte, 4)
	copy(payload, ConnectMagic[:])

	return &Request{
		Command:              CmdCommControl,
		Subfunction:          CommControlConnect,
		Payload:              payload,
		ExpectedResponseSize: 8,
	}
}

// NewHeartbeatRequest probes session liveness with a rotating challenge.
func NewHeartbeatRequest(sessionID uint32, challenge uint16) *Request {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint32(payload[0:4], sessionID)
	binary.BigEndian.PutUint16(payload[4:6], challenge)

	return &Request{
		Command:              CmdCommControl,
		Subfunction:          CommControlHeartbeat,
		Payload:              payload,
		ExpectedResponseSize: 6,
	}
}

// HeartbeatChallengeResponse is the value the device must echo for a given
// challenge: its bitwise complement within 16 bits.
func HeartbeatChallengeResponse(challenge uint16) uint16 {
	return ^challenge
}

// NewGetParamsRequest fetches the device-declared link parameters.
func NewGetParamsRequest() *Request {
	return &Request{
		Command:              CmdCommControl,
		Subfunction:          CommControlGetParams,
		ExpectedResponseSize: 17,
	}
}

// NewDisconnectRequest tears down the active session.
func NewDisconnectRequest(sessionID uint32) *Request {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, sessionID)

	return &Request{
		Command:     CmdCommControl,
		Subfunction: CommControlDisconnect,
		Payload:     payload,
	}
}

// NewGetProtocolVersionRequest fetches the device protocol version.
func NewGetProtocolVersionRequest() *Request {
	return &Request{
		Command:              CmdGetInfo,
		Subfunction:          GetInfoProtocolVersion,
		ExpectedResponseSize: 2,
	}
}

// NewGetSoftwareIDRequest fetches the opaque firmware identifier.
func NewGetSoftwareIDRequest() *Request {
	return &Request{
		Command:              CmdGetInfo,
		Subfunction:          GetInfoSoftwareID,
		ExpectedResponseSize: FirmwareIDSize,
	}
}

// NewGetSupportedFeaturesRequest fetches the device feature bitfield.
func NewGetSupportedFeaturesRequest() *Request {
	return &Request{
		Command:              CmdGetInfo,
		Subfunction:          GetInfoSupportedFeatures,
		ExpectedResponseSize: 1,
	}
}

// NewGetSpecialMemoryRegionCountRequest fetches the special region counts.
func NewGetSpecialMemoryRegionCountRequest() *Request {
	return &Request{
		Command:              CmdGetInfo,
		Subfunction:          GetInfoSpecialMemoryRegionCount,
		ExpectedResponseSize: 2,
	}
}

// NewGetSpecialMemoryRegionLocationRequest fetches one region's bounds.
func NewGetSpecialMemoryRegionLocationRequest(regionType MemoryRegionType, index uint8, addrSize AddressSize) (*Request, error) {
	if !addrSize.valid() {
		return nil, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}

	return &Request{
		Command:              CmdGetInfo,
		Subfunction:          GetInfoSpecialMemoryRegionLoc,
		Payload:              []byte{uint8(regionType), index},
		ExpectedResponseSize: 2 + 2*int(addrSize),
	}, nil
}

// NewReadMemoryRequest reads one or more memory blocks. Each block
// serializes as [address:addrSize][length:2].
func NewReadMemoryRequest(blocks []MemoryBlock, addrSize AddressSize) (*Request, error) {
	if !addrSize.valid() {
		return nil, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks to read", ErrMalformedPayload)
	}

	payload := make([]byte, 0, len(blocks)*(int(addrSize)+2))
	expected := 0
	for _, b := range blocks {
		var err error
		payload, err = appendAddress(payload, b.Address, addrSize)
		if err != nil {
			return nil, err
		}
		payload = binary.BigEndian.AppendUint16(payload, b.Length)
		expected += int(addrSize) + 2 + int(b.Length)
	}

	return &Request{
		Command:              CmdMemoryControl,
		Subfunction:          MemoryControlRead,
		Payload:              payload,
		ExpectedResponseSize: expected,
	}, nil
}

// NewWriteMemoryRequest writes one or more memory blocks. Each block
// serializes as [address:addrSize][length:2][data:length].
func NewWriteMemoryRequest(blocks []MemoryBlock, addrSize AddressSize) (*Request, error) {
	if !addrSize.valid() {
		return nil, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks to write", ErrMalformedPayload)
	}

	var payload []byte
	expected := 0
	for _, b := range blocks {
		if len(b.Data) == 0 || len(b.Data) > int(^uint16(0)) {
			return nil, fmt.Errorf("%w: block data size %d", ErrMalformedPayload, len(b.Data))
		}
		var err error
		payload, err = appendAddress(payload, b.Address, addrSize)
		if err != nil {
			return nil, err
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(b.Data)))
		payload = append(payload, b.Data...)
		expected += int(addrSize) + 2
	}

	return &Request{
		Command:              CmdMemoryControl,
		Subfunction:          MemoryControlWrite,
		Payload:              payload,
		ExpectedResponseSize: expected,
	}, nil
}

// NewWriteMaskedMemoryRequest writes one block where only mask-selected
// bits change: [address:addrSize][length:2][data:length][mask:length].
func NewWriteMaskedMemoryRequest(block MaskedMemoryBlock, addrSize AddressSize) (*Request, error) {
	if !addrSize.valid() {
		return nil, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}
	if len(block.Data) == 0 || len(block.Data) != len(block.Mask) {
		return nil, fmt.Errorf("%w: data size %d, mask size %d", ErrMalformedPayload, len(block.Data), len(block.Mask))
	}

	payload, err := appendAddress(nil, block.Address, addrSize)
	if err != nil {
		return nil, err
	}
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(block.Data)))
	payload = append(payload, block.Data...)
	payload = append(payload, block.Mask...)

	return &Request{
		Command:              CmdMemoryControl,
		Subfunction:          MemoryControlWriteMasked,
		Payload:              payload,
		ExpectedResponseSize: int(addrSize) + 2,
	}, nil
}

// NewDatalogGetSetupRequest fetches the datalogging buffer geometry.
func NewDatalogGetSetupRequest() *Request {
	return &Request{
		Command:              CmdDatalogControl,
		Subfunction:          DatalogControlGetSetup,
		ExpectedResponseSize: 5,
	}
}

// NewDatalogConfigureRequest arms a new acquisition configuration.
func NewDatalogConfigureRequest(cfg DatalogConfig) (*Request, error) {
	if len(cfg.Operands) > 255 {
		return nil, fmt.Errorf("%w: %d operands", ErrMalformedPayload, len(cfg.Operands))
	}

	payload := make([]byte, 0, 10+len(cfg.Operands)*9)
	payload = binary.BigEndian.AppendUint16(payload, cfg.ConfigID)
	payload = binary.BigEndian.AppendUint16(payload, cfg.Decimation)
	payload = binary.BigEndian.AppendUint32(payload, cfg.TimeoutMillis)
	payload = append(payload, cfg.Condition, uint8(len(cfg.Operands)))
	for _, op := range cfg.Operands {
		payload = append(payload, op.Type)
		payload = binary.BigEndian.AppendUint64(payload, op.Value)
	}

	return &Request{
		Command:     CmdDatalogControl,
		Subfunction: DatalogControlConfigure,
		Payload:     payload,
	}, nil
}

// NewDatalogArmTriggerRequest arms the configured trigger.
func NewDatalogArmTriggerRequest() *Request {
	return &Request{Command: CmdDatalogControl, Subfunction: DatalogControlArmTrigger}
}

// NewDatalogDisarmTriggerRequest disarms the configured trigger.
func NewDatalogDisarmTriggerRequest() *Request {
	return &Request{Command: CmdDatalogControl, Subfunction: DatalogControlDisarmTrigger}
}

// NewDatalogGetStatusRequest polls the acquisition state machine.
func NewDatalogGetStatusRequest() *Request {
	return &Request{
		Command:              CmdDatalogControl,
		Subfunction:          DatalogControlGetStatus,
		ExpectedResponseSize: 2,
	}
}

// NewDatalogGetAcqMetadataRequest fetches the completed acquisition summary.
func NewDatalogGetAcqMetadataRequest() *Request {
	return &Request{
		Command:              CmdDatalogControl,
		Subfunction:          DatalogControlGetAcqMeta,
		ExpectedResponseSize: 12,
	}
}

// NewDatalogReadAcqRequest reads one chunk of acquisition data.
func NewDatalogReadAcqRequest(acquisitionID uint16, offset uint32, length uint16) *Request {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint16(payload[0:2], acquisitionID)
	binary.BigEndian.PutUint32(payload[2:6], offset)
	binary.BigEndian.PutUint16(payload[6:8], length)

	return &Request{
		Command:              CmdDatalogControl,
		Subfunction:          DatalogControlReadAcq,
		Payload:              payload,
		ExpectedResponseSize: 3 + int(length),
	}
}

// NewUserCommandRequest passes an opaque payload to device-specific code.
func NewUserCommandRequest(subfn Subfunction, payload []byte, expectedResponseSize int) *Request {
	return &Request{
		Command:              CmdUserCommand,
		Subfunction:          subfn,
		Payload:              payload,
		ExpectedResponseSize: expectedResponseSize,
	}
}

func appendAddress(dst []byte, addr uint64, addrSize AddressSize) ([]byte, error) {
	switch addrSize {
	case Address16:
		if addr > uint64(^uint16(0)) {
			return nil, fmt.Errorf("%w: address %#x exceeds 16 bits", ErrMalformedPayload, addr)
		}
		return binary.BigEndian.AppendUint16(dst, uint16(addr)), nil
	case Address32:
		if addr > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: address %#x exceeds 32 bits", ErrMalformedPayload, addr)
		}
		return binary.BigEndian.AppendUint32(dst, uint32(addr)), nil
	case Address64:
		return binary.BigEndian.AppendUint64(dst, addr), nil
	default:
		return nil, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}
}

func readAddress(src []byte, addrSize AddressSize) uint64 {
	switch addrSize {
	case Address16:
		return uint64(binary.BigEndian.Uint16(src))
	case Address32:
		return uint64(binary.BigEndian.Uint32(src))
	default:
		return binary.BigEndian.Uint64(src)
	}
}
