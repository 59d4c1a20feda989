package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	// RequestOverhead is the request frame size around the payload:
	// command, subfunction, 16-bit length, 32-bit CRC.
	RequestOverhead = 8
	// ResponseOverhead adds the response code byte.
	ResponseOverhead = 9

	responseBit = 0x80
)

// ResponseCode is the device-reported outcome of one request.
type ResponseCode uint8

const (
	ResponseOK                 ResponseCode = 1
	ResponseInvalidRequest     ResponseCode = 2
	ResponseUnsupportedFeature ResponseCode = 3
	ResponseOverflow           ResponseCode = 4
	ResponseBusy               ResponseCode = 5
	ResponseFailureToProceed   ResponseCode = 6
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "OK"
	case ResponseInvalidRequest:
		return "InvalidRequest"
	case ResponseUnsupportedFeature:
		return "UnsupportedFeature"
	case ResponseOverflow:
		return "Overflow"
	case ResponseBusy:
		return "Busy"
	case ResponseFailureToProceed:
		return "FailureToProceed"
	default:
		return fmt.Sprintf("ResponseCode(%d)", uint8(c))
	}
}

// Request is one outbound frame, immutable once built. ExpectedResponseSize
// is the response payload size the caller expects back, used for bandwidth
// admission and dispatcher size limits.
type Request struct {
	Command              CommandID
	Subfunction          Subfunction
	Payload              []byte
	ExpectedResponseSize int
}

// Response is one inbound frame after CRC validation.
type Response struct {
	Command     CommandID
	Subfunction Subfunction
	Code        ResponseCode
	Payload     []byte
}

// EncodedSize returns the request's full on-wire size.
func (r *Request) EncodedSize() int {
	return RequestOverhead + len(r.Payload)
}

// EncodedSize returns the response's full on-wire size.
func (r *Response) EncodedSize() int {
	return ResponseOverhead + len(r.Payload)
}

// EncodeRequest serializes a request frame:
// [cmd:1][subfn:1][len:2 BE][payload][crc32:4 BE].
func EncodeRequest(req *Request) ([]byte, error) {
	if len(req.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: request payload too large: %d", ErrFraming, len(req.Payload))
	}

	frame := make([]byte, RequestOverhead+len(req.Payload))
	frame[0] = uint8(req.Command) & 0x7F
	frame[1] = uint8(req.Subfunction)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(req.Payload)))
	copy(frame[4:], req.Payload)
	crc := crc32.ChecksumIEEE(frame[:len(frame)-4])
	binary.BigEndian.PutUint32(frame[len(frame)-4:], crc)

	return frame, nil
}

// EncodeResponse serializes a response frame:
// [cmd|0x80:1][subfn:1][code:1][len:2 BE][payload][crc32:4 BE].
func EncodeResponse(resp *Response) ([]byte, error) {
	if len(resp.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: response payload too large: %d", ErrFraming, len(resp.Payload))
	}

	frame := make([]byte, ResponseOverhead+len(resp.Payload))
	frame[0] = uint8(resp.Command) | responseBit
	frame[1] = uint8(resp.Subfunction)
	frame[2] = uint8(resp.Code)
	binary.BigEndian.PutUint16(frame[3:5], uint16(len(resp.Payload)))
	copy(frame[5:], resp.Payload)
	crc := crc32.ChecksumIEEE(frame[:len(frame)-4])
	binary.BigEndian.PutUint32(frame[len(frame)-4:], crc)

	return frame, nil
}

// DecodeRequest parses and validates one complete request frame.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < RequestOverhead {
		return nil, fmt.Errorf("%w: request frame too short: %d", ErrFraming, len(data))
	}
	if data[0]&responseBit != 0 {
		return nil, fmt.Errorf("%w: response bit set on request frame", ErrFraming)
	}

	declared := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) != RequestOverhead+declared {
		return nil, fmt.Errorf("%w: declared payload %d, frame %d", ErrFraming, declared, len(data))
	}
	if err := checkCRC(data); err != nil {
		return nil, err
	}

	payload := make([]byte, declared)
	copy(payload, data[4:4+declared])

	return &Request{
		Command:     CommandID(data[0]),
		Subfunction: Subfunction(data[1]),
		Payload:     payload,
	}, nil
}

// DecodeResponse parses and validates one complete response frame.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < ResponseOverhead {
		return nil, fmt.Errorf("%w: response frame too short: %d", ErrFraming, len(data))
	}
	if data[0]&responseBit == 0 {
		return nil, fmt.Errorf("%w: response bit clear on response frame", ErrFraming)
	}

	declared := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) != ResponseOverhead+declared {
		return nil, fmt.Errorf("%w: declared payload %d, frame %d", ErrFraming, declared, len(data))
	}
	if err := checkCRC(data); err != nil {
		return nil, err
	}

	payload := make([]byte, declared)
	copy(payload, data[5:5+declared])

	return &Response{
		Command:     CommandID(data[0] & 0x7F),
		Subfunction: Subfunction(data[1]),
		Code:        ResponseCode(data[2]),
		Payload:     payload,
	}, nil
}

func checkCRC(frame []byte) error {
	want := binary.BigEndian.Uint32(frame[len(frame)-4:])
	got := crc32.ChecksumIEEE(frame[:len(frame)-4])
	if got != want {
		return fmt.Errorf("%w: crc mismatch: got %08x want %08x", ErrFraming, got, want)
	}

	return nil
}
