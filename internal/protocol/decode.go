package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Response parsers. Each function deserializes one response payload into a
// typed structure, validating field counts. Short or inconsistent payloads
// fail with ErrMalformedPayload; the frame is discarded, never partially
// trusted.

// ParseDiscoverResponse validates the echoed magic and extracts the device
// identity: [magic:4][firmware_id:16][name_len:1][name:N].
func ParseDiscoverResponse(payload []byte) (DiscoverResponse, error) {
	if len(payload) < 4+FirmwareIDSize+1 {
		return DiscoverResponse{}, fmt.Errorf("%w: discover response %d bytes", ErrMalformedPayload, len(payload))
	}
	if !bytes.Equal(payload[0:4], DiscoverMagic[:]) {
		return DiscoverResponse{}, fmt.Errorf("%w: discover magic mismatch", ErrMalformedPayload)
	}

	var out DiscoverResponse
	copy(out.FirmwareID[:], payload[4:4+FirmwareIDSize])
	nameLen := int(payload[4+FirmwareIDSize])
	rest := payload[4+FirmwareIDSize+1:]
	if len(rest) != nameLen {
		return DiscoverResponse{}, fmt.Errorf("%w: display name declared %d, got %d", ErrMalformedPayload, nameLen, len(rest))
	}
	out.DisplayName = string(rest)

	return out, nil
}

// ParseConnectResponse validates the echoed magic and extracts the session
// id: [magic:4][session_id:4].
func ParseConnectResponse(payload []byte) (ConnectResponse, error) {
	if len(payload) != 8 {
		return ConnectResponse{}, fmt.Errorf("%w: connect response %d bytes", ErrMalformedPayload, len(payload))
	}
	if !bytes.Equal(payload[0:4], ConnectMagic[:]) {
		return ConnectResponse{}, fmt.Errorf("%w: connect magic mismatch", ErrMalformedPayload)
	}

	return ConnectResponse{SessionID: binary.BigEndian.Uint32(payload[4:8])}, nil
}

// ParseHeartbeatResponse extracts [session_id:4][challenge_response:2].
func ParseHeartbeatResponse(payload []byte) (HeartbeatResponse, error) {
	if len(payload) != 6 {
		return HeartbeatResponse{}, fmt.Errorf("%w: heartbeat response %d bytes", ErrMalformedPayload, len(payload))
	}

	return HeartbeatResponse{
		SessionID:         binary.BigEndian.Uint32(payload[0:4]),
		ChallengeResponse: binary.BigEndian.Uint16(payload[4:6]),
	}, nil
}

// ParseGetParamsResponse extracts the device-declared link parameters:
// [max_rx:2][max_tx:2][max_bitrate:4][heartbeat_timeout:4][rx_timeout:4][addr_size:1].
func ParseGetParamsResponse(payload []byte) (CommParams, error) {
	if len(payload) != 17 {
		return CommParams{}, fmt.Errorf("%w: params response %d bytes", ErrMalformedPayload, len(payload))
	}

	params := CommParams{
		MaxRxDataSize:    binary.BigEndian.Uint16(payload[0:2]),
		MaxTxDataSize:    binary.BigEndian.Uint16(payload[2:4]),
		MaxBitrate:       binary.BigEndian.Uint32(payload[4:8]),
		HeartbeatTimeout: binary.BigEndian.Uint32(payload[8:12]),
		RxTimeout:        binary.BigEndian.Uint32(payload[12:16]),
		AddressSize:      AddressSize(payload[16]),
	}
	if !params.AddressSize.valid() {
		return CommParams{}, fmt.Errorf("%w: address size %d", ErrMalformedPayload, params.AddressSize)
	}

	return params, nil
}

// ParseProtocolVersionResponse extracts [major:1][minor:1].
func ParseProtocolVersionResponse(payload []byte) (ProtocolVersion, error) {
	if len(payload) != 2 {
		return ProtocolVersion{}, fmt.Errorf("%w: version response %d bytes", ErrMalformedPayload, len(payload))
	}

	return ProtocolVersion{Major: payload[0], Minor: payload[1]}, nil
}

// ParseSoftwareIDResponse extracts the fixed-width firmware identifier.
func ParseSoftwareIDResponse(payload []byte) ([FirmwareIDSize]byte, error) {
	var id [FirmwareIDSize]byte
	if len(payload) != FirmwareIDSize {
		return id, fmt.Errorf("%w: software id response %d bytes", ErrMalformedPayload, len(payload))
	}
	copy(id[:], payload)

	return id, nil
}

// ParseSupportedFeaturesResponse expands the feature bitfield.
func ParseSupportedFeaturesResponse(payload []byte) (SupportedFeatures, error) {
	if len(payload) != 1 {
		return SupportedFeatures{}, fmt.Errorf("%w: features response %d bytes", ErrMalformedPayload, len(payload))
	}
	flags := payload[0]

	return SupportedFeatures{
		MemoryWrite:  flags&FeatureMemoryWrite != 0,
		Datalogging:  flags&FeatureDatalogging != 0,
		UserCommand:  flags&FeatureUserCommand != 0,
		Address64Bit: flags&Feature64BitAddress != 0,
	}, nil
}

// ParseSpecialRegionCountResponse extracts [readonly:1][forbidden:1].
func ParseSpecialRegionCountResponse(payload []byte) (SpecialRegionCount, error) {
	if len(payload) != 2 {
		return SpecialRegionCount{}, fmt.Errorf("%w: region count response %d bytes", ErrMalformedPayload, len(payload))
	}

	return SpecialRegionCount{ReadOnly: payload[0], Forbidden: payload[1]}, nil
}

// ParseSpecialRegionLocationResponse extracts
// [type:1][index:1][start:addrSize][end:addrSize].
func ParseSpecialRegionLocationResponse(payload []byte, addrSize AddressSize) (SpecialRegionLocation, error) {
	if !addrSize.valid() {
		return SpecialRegionLocation{}, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}
	if len(payload) != 2+2*int(addrSize) {
		return SpecialRegionLocation{}, fmt.Errorf("%w: region location response %d bytes", ErrMalformedPayload, len(payload))
	}

	return SpecialRegionLocation{
		Type:  MemoryRegionType(payload[0]),
		Index: payload[1],
		Start: readAddress(payload[2:2+int(addrSize)], addrSize),
		End:   readAddress(payload[2+int(addrSize):], addrSize),
	}, nil
}

// ParseReadMemoryResponse extracts the block list of a memory read:
// repeated [address:addrSize][length:2][data:length].
func ParseReadMemoryResponse(payload []byte, addrSize AddressSize) ([]MemoryBlock, error) {
	if !addrSize.valid() {
		return nil, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}

	headerLen := int(addrSize) + 2
	var blocks []MemoryBlock
	for len(payload) > 0 {
		if len(payload) < headerLen {
			return nil, fmt.Errorf("%w: truncated read block header", ErrMalformedPayload)
		}
		addr := readAddress(payload[:int(addrSize)], addrSize)
		length := int(binary.BigEndian.Uint16(payload[int(addrSize):headerLen]))
		payload = payload[headerLen:]
		if len(payload) < length {
			return nil, fmt.Errorf("%w: truncated read block data", ErrMalformedPayload)
		}
		data := make([]byte, length)
		copy(data, payload[:length])
		payload = payload[length:]
		blocks = append(blocks, MemoryBlock{Address: addr, Length: uint16(length), Data: data})
	}
	if blocks == nil {
		return nil, fmt.Errorf("%w: empty read response", ErrMalformedPayload)
	}

	return blocks, nil
}

// ParseWriteMemoryResponse extracts the echoed write records:
// repeated [address:addrSize][length:2].
func ParseWriteMemoryResponse(payload []byte, addrSize AddressSize) ([]MemoryBlock, error) {
	if !addrSize.valid() {
		return nil, fmt.Errorf("%w: address size %d", ErrMalformedPayload, addrSize)
	}

	recordLen := int(addrSize) + 2
	if len(payload) == 0 || len(payload)%recordLen != 0 {
		return nil, fmt.Errorf("%w: write response %d bytes", ErrMalformedPayload, len(payload))
	}

	blocks := make([]MemoryBlock, 0, len(payload)/recordLen)
	for len(payload) > 0 {
		blocks = append(blocks, MemoryBlock{
			Address: readAddress(payload[:int(addrSize)], addrSize),
			Length:  binary.BigEndian.Uint16(payload[int(addrSize):recordLen]),
		})
		payload = payload[recordLen:]
	}

	return blocks, nil
}

// ParseDatalogSetupResponse extracts [buffer_size:4][encoding:1].
func ParseDatalogSetupResponse(payload []byte) (DatalogSetup, error) {
	if len(payload) != 5 {
		return DatalogSetup{}, fmt.Errorf("%w: datalog setup response %d bytes", ErrMalformedPayload, len(payload))
	}

	return DatalogSetup{
		BufferSize: binary.BigEndian.Uint32(payload[0:4]),
		Encoding:   payload[4],
	}, nil
}

// ParseDatalogStatusResponse extracts [state:1][completion_ratio:1].
func ParseDatalogStatusResponse(payload []byte) (DatalogStatus, error) {
	if len(payload) != 2 {
		return DatalogStatus{}, fmt.Errorf("%w: datalog status response %d bytes", ErrMalformedPayload, len(payload))
	}

	return DatalogStatus{State: payload[0], CompletionRatio: payload[1]}, nil
}

// ParseAcquisitionMetadataResponse extracts
// [acq_id:2][config_id:2][entry_count:4][data_size:4].
func ParseAcquisitionMetadataResponse(payload []byte) (AcquisitionMetadata, error) {
	if len(payload) != 12 {
		return AcquisitionMetadata{}, fmt.Errorf("%w: acquisition metadata response %d bytes", ErrMalformedPayload, len(payload))
	}

	return AcquisitionMetadata{
		AcquisitionID: binary.BigEndian.Uint16(payload[0:2]),
		ConfigID:      binary.BigEndian.Uint16(payload[2:4]),
		EntryCount:    binary.BigEndian.Uint32(payload[4:8]),
		DataSize:      binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// ParseAcquisitionChunkResponse extracts [acq_id:2][finished:1][data:N].
func ParseAcquisitionChunkResponse(payload []byte) (AcquisitionChunk, error) {
	if len(payload) < 3 {
		return AcquisitionChunk{}, fmt.Errorf("%w: acquisition chunk response %d bytes", ErrMalformedPayload, len(payload))
	}
	if payload[2] > 1 {
		return AcquisitionChunk{}, fmt.Errorf("%w: finished flag %d", ErrMalformedPayload, payload[2])
	}

	data := make([]byte, len(payload)-3)
	copy(data, payload[3:])

	return AcquisitionChunk{
		AcquisitionID: binary.BigEndian.Uint16(payload[0:2]),
		Finished:      payload[2] == 1,
		Data:          data,
	}, nil
}
