package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestDiscoverRequestAndResponse(t *testing.T) {
	req := NewDiscoverRequest()
	if !bytes.Equal(req.Payload, DiscoverMagic[:]) {
		t.Fatalf("discover payload is not the magic: %x", req.Payload)
	}

	name := "test-device"
	payload := append([]byte{}, DiscoverMagic[:]...)
	fw := bytes.Repeat([]byte{0xAB}, FirmwareIDSize)
	payload = append(payload, fw...)
	payload = append(payload, byte(len(name)))
	payload = append(payload, name...)

	parsed, err := ParseDiscoverResponse(payload)
	if err != nil {
		t.Fatalf("parse discover: %v", err)
	}
	if parsed.DisplayName != name {
		t.Fatalf("display name mismatch: got %q want %q", parsed.DisplayName, name)
	}
	if !bytes.Equal(parsed.FirmwareID[:], fw) {
		t.Fatalf("firmware id mismatch: got %x", parsed.FirmwareID)
	}
}

func TestDiscoverResponseRejectsBadMagic(t *testing.T) {
	payload := make([]byte, 4+FirmwareIDSize+1)
	_, err := ParseDiscoverResponse(payload)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestDiscoverResponseRejectsNameLengthMismatch(t *testing.T) {
	payload := append([]byte{}, DiscoverMagic[:]...)
	payload = append(payload, make([]byte, FirmwareIDSize)...)
	payload = append(payload, 10) // declares 10 name bytes, provides none
	_, err := ParseDiscoverResponse(payload)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestConnectResponseRoundTrip(t *testing.T) {
	payload := append([]byte{}, ConnectMagic[:]...)
	payload = binary.BigEndian.AppendUint32(payload, 0xCAFE0001)

	parsed, err := ParseConnectResponse(payload)
	if err != nil {
		t.Fatalf("parse connect: %v", err)
	}
	if parsed.SessionID != 0xCAFE0001 {
		t.Fatalf("session id mismatch: %#x", parsed.SessionID)
	}
}

func TestHeartbeatChallengeResponse(t *testing.T) {
	if got := HeartbeatChallengeResponse(0x1234); got != 0xEDCB {
		t.Fatalf("challenge response mismatch: got %#x want 0xEDCB", got)
	}
	if got := HeartbeatChallengeResponse(0xFFFF); got != 0x0000 {
		t.Fatalf("challenge response mismatch: got %#x want 0", got)
	}
}

func TestHeartbeatRequestLayout(t *testing.T) {
	req := NewHeartbeatRequest(0x01020304, 0xAABB)
	want := []byte{0x01, 0x02, 0x03, 0x04, 0xAA, 0xBB}
	if !bytes.Equal(req.Payload, want) {
		t.Fatalf("heartbeat payload mismatch: got %x want %x", req.Payload, want)
	}
}

func TestGetParamsResponse(t *testing.T) {
	payload := make([]byte, 17)
	binary.BigEndian.PutUint16(payload[0:2], 128)
	binary.BigEndian.PutUint16(payload[2:4], 256)
	binary.BigEndian.PutUint32(payload[4:8], 100000)
	binary.BigEndian.PutUint32(payload[8:12], 3000)
	binary.BigEndian.PutUint32(payload[12:16], 50)
	payload[16] = 4

	params, err := ParseGetParamsResponse(payload)
	if err != nil {
		t.Fatalf("parse params: %v", err)
	}
	if params.MaxRxDataSize != 128 || params.MaxTxDataSize != 256 {
		t.Fatalf("size mismatch: %+v", params)
	}
	if params.MaxBitrate != 100000 || params.HeartbeatTimeout != 3000 || params.RxTimeout != 50 {
		t.Fatalf("timing mismatch: %+v", params)
	}
	if params.AddressSize != Address32 {
		t.Fatalf("address size mismatch: %d", params.AddressSize)
	}

	payload[16] = 3
	if _, err := ParseGetParamsResponse(payload); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload for address size 3, got %v", err)
	}
}

func TestReadMemoryRequestEncoding(t *testing.T) {
	req, err := NewReadMemoryRequest([]MemoryBlock{
		{Address: 0x1000, Length: 4},
		{Address: 0x2000, Length: 2},
	}, Address32)
	if err != nil {
		t.Fatalf("build read request: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x10, 0x00, 0x00, 0x04,
		0x00, 0x00, 0x20, 0x00, 0x00, 0x02,
	}
	if !bytes.Equal(req.Payload, want) {
		t.Fatalf("read payload mismatch: got %x want %x", req.Payload, want)
	}
	if req.ExpectedResponseSize != 12+6 {
		t.Fatalf("expected response size mismatch: %d", req.ExpectedResponseSize)
	}
}

func TestReadMemoryResponseParsing(t *testing.T) {
	payload := []byte{
		0x00, 0x00, 0x10, 0x00, 0x00, 0x02, 0xCA, 0xFE,
		0x00, 0x00, 0x20, 0x00, 0x00, 0x01, 0x42,
	}
	blocks, err := ParseReadMemoryResponse(payload, Address32)
	if err != nil {
		t.Fatalf("parse read response: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("block count mismatch: %d", len(blocks))
	}
	if blocks[0].Address != 0x1000 || !bytes.Equal(blocks[0].Data, []byte{0xCA, 0xFE}) {
		t.Fatalf("block 0 mismatch: %+v", blocks[0])
	}
	if blocks[1].Address != 0x2000 || !bytes.Equal(blocks[1].Data, []byte{0x42}) {
		t.Fatalf("block 1 mismatch: %+v", blocks[1])
	}

	if _, err := ParseReadMemoryResponse(payload[:len(payload)-1], Address32); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload for truncated data, got %v", err)
	}
}

func TestWriteMemoryRequestRejectsEmptyBlock(t *testing.T) {
	_, err := NewWriteMemoryRequest([]MemoryBlock{{Address: 0x10}}, Address32)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestWriteMaskedRequestRequiresEqualMask(t *testing.T) {
	_, err := NewWriteMaskedMemoryRequest(MaskedMemoryBlock{
		Address: 0x10,
		Data:    []byte{1, 2},
		Mask:    []byte{0xFF},
	}, Address32)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestAddressSizeBounds(t *testing.T) {
	if _, err := NewReadMemoryRequest([]MemoryBlock{{Address: 0x10000, Length: 1}}, Address16); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload for 16-bit overflow, got %v", err)
	}

	req, err := NewReadMemoryRequest([]MemoryBlock{{Address: 0x0102030405060708, Length: 1}}, Address64)
	if err != nil {
		t.Fatalf("build 64-bit read request: %v", err)
	}
	if got := readAddress(req.Payload[:8], Address64); got != 0x0102030405060708 {
		t.Fatalf("64-bit address mismatch: %#x", got)
	}
}

func TestDatalogConfigureEncoding(t *testing.T) {
	req, err := NewDatalogConfigureRequest(DatalogConfig{
		ConfigID:      7,
		Decimation:    2,
		TimeoutMillis: 1000,
		Condition:     3,
		Operands: []DatalogOperand{
			{Type: 1, Value: 0x10},
			{Type: 2, Value: 0x20},
		},
	})
	if err != nil {
		t.Fatalf("build configure request: %v", err)
	}
	if len(req.Payload) != 10+2*9 {
		t.Fatalf("configure payload size mismatch: %d", len(req.Payload))
	}
	if req.Payload[9] != 2 {
		t.Fatalf("operand count byte mismatch: %d", req.Payload[9])
	}
}

func TestAcquisitionChunkParsing(t *testing.T) {
	payload := []byte{0x00, 0x05, 0x01, 0xAA, 0xBB}
	chunk, err := ParseAcquisitionChunkResponse(payload)
	if err != nil {
		t.Fatalf("parse acquisition chunk: %v", err)
	}
	if chunk.AcquisitionID != 5 || !chunk.Finished || !bytes.Equal(chunk.Data, []byte{0xAA, 0xBB}) {
		t.Fatalf("chunk mismatch: %+v", chunk)
	}

	payload[2] = 2
	if _, err := ParseAcquisitionChunkResponse(payload); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload for bad finished flag, got %v", err)
	}
}
