package emulator

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"devlink/internal/protocol"
	"devlink/internal/transport"
)

// Config shapes the emulated device's identity and declared parameters.
type Config struct {
	DisplayName string
	FirmwareID  [protocol.FirmwareIDSize]byte
	Params      protocol.CommParams

	MemoryBase uint64
	MemorySize int

	ReadOnlyRegions  []protocol.SpecialRegionLocation
	ForbiddenRegions []protocol.SpecialRegionLocation
}

// DefaultConfig returns a device with sane parameters for tests and the
// in-process emulation mode of the CLI.
func DefaultConfig() Config {
	var fw [protocol.FirmwareIDSize]byte
	for i := range fw {
		fw[i] = byte(i + 1)
	}

	return Config{
		DisplayName: "emulated-device",
		FirmwareID:  fw,
		Params: protocol.CommParams{
			MaxRxDataSize:    256,
			MaxTxDataSize:    256,
			MaxBitrate:       100000,
			HeartbeatTimeout: 3000,
			RxTimeout:        50,
			AddressSize:      protocol.Address32,
		},
		MemoryBase: 0x1000,
		MemorySize: 0x1000,
	}
}

const datalogBufferSize = 4096

// Device implements the device side of every command family so the full
// host stack can run without hardware. It owns one endpoint of a queue
// link pair; the mutex-guarded queues inside the pair are the only
// cross-thread boundary.
type Device struct {
	logger *slog.Logger
	link   transport.Transport
	cfg    Config

	mu          sync.Mutex
	commEnabled bool

	sessionActive bool
	sessionID     uint32
	nextSessionID uint32

	rxData      []byte
	declaredLen int

	mem *Memory

	datalogConfigured bool
	datalogArmed      bool
	datalogConfig     protocol.DatalogConfig
	acquisition       []byte
	acquisitionID     uint16

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(logger *slog.Logger, link transport.Transport, cfg Config) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		logger:        logger.With("component", "emulator"),
		link:          link,
		cfg:           cfg,
		commEnabled:   true,
		nextSessionID: 0x10000001,
		declaredLen:   -1,
		mem:           NewMemory(cfg.MemoryBase, cfg.MemorySize),
	}
	d.buildStubAcquisition()

	return d
}

// Memory exposes the device memory model for test setup.
func (d *Device) Memory() *Memory {
	return d.mem
}

// SetCommEnabled simulates the device's comm module going silent. While
// disabled the device drops incoming bytes and answers nothing.
func (d *Device) SetCommEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commEnabled = enabled
}

// DropSession discards the active session without telling the host, as a
// rebooting device would.
func (d *Device) DropSession() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionActive = false
}

// SessionActive reports whether a session is currently established.
func (d *Device) SessionActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.sessionActive
}

// Start runs Process on its own goroutine until Stop is called. Tests
// that want determinism call Process directly instead.
func (d *Device) Start() {
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				return
			default:
			}
			d.Process()
			time.Sleep(time.Millisecond)
		}
	}()
}

func (d *Device) Stop() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	d.wg.Wait()
	d.stop = nil
}

// Process consumes pending request bytes and answers complete frames.
func (d *Device) Process() {
	d.mu.Lock()
	enabled := d.commEnabled
	d.mu.Unlock()

	data, err := d.link.Read()
	if err != nil || len(data) == 0 {
		return
	}
	if !enabled {
		return
	}

	d.rxData = append(d.rxData, data...)
	for {
		if d.declaredLen < 0 && len(d.rxData) >= 4 {
			d.declaredLen = int(binary.BigEndian.Uint16(d.rxData[2:4]))
		}
		if d.declaredLen < 0 {
			return
		}
		frameLen := d.declaredLen + protocol.RequestOverhead
		if len(d.rxData) < frameLen {
			return
		}

		frame := d.rxData[:frameLen]
		rest := make([]byte, len(d.rxData)-frameLen)
		copy(rest, d.rxData[frameLen:])
		d.rxData = rest
		d.declaredLen = -1

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			d.logger.Warn("rejecting request frame", "error", err)
			d.rxData = nil

			continue
		}
		d.handle(req)
	}
}

func (d *Device) handle(req *protocol.Request) {
	desc, err := protocol.LookupCommand(uint8(req.Command))
	if err != nil || !desc.ValidSubfunction(req.Subfunction) {
		d.respond(req, protocol.ResponseInvalidRequest, nil)

		return
	}
	if len(req.Payload) > int(d.cfg.Params.MaxRxDataSize) {
		d.respond(req, protocol.ResponseOverflow, nil)

		return
	}

	d.mu.Lock()
	sessionActive := d.sessionActive
	d.mu.Unlock()
	if !sessionActive && req.Command != protocol.CmdCommControl {
		d.respond(req, protocol.ResponseFailureToProceed, nil)

		return
	}

	switch req.Command {
	case protocol.CmdCommControl:
		d.handleCommControl(req)
	case protocol.CmdGetInfo:
		d.handleGetInfo(req)
	case protocol.CmdMemoryControl:
		d.handleMemoryControl(req)
	case protocol.CmdDatalogControl:
		d.handleDatalogControl(req)
	case protocol.CmdUserCommand:
		d.respond(req, protocol.ResponseOK, req.Payload)
	case protocol.CmdDummy:
		d.respond(req, protocol.ResponseOK, nil)
	default:
		d.respond(req, protocol.ResponseUnsupportedFeature, nil)
	}
}

func (d *Device) handleCommControl(req *protocol.Request) {
	switch req.Subfunction {
	case protocol.CommControlDiscover:
		if len(req.Payload) != 4 || !equalMagic(req.Payload, protocol.DiscoverMagic) {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		payload := append([]byte{}, protocol.DiscoverMagic[:]...)
		payload = append(payload, d.cfg.FirmwareID[:]...)
		payload = append(payload, byte(len(d.cfg.DisplayName)))
		payload = append(payload, d.cfg.DisplayName...)
		d.respond(req, protocol.ResponseOK, payload)

	case protocol.CommControlConnect:
		if len(req.Payload) != 4 || !equalMagic(req.Payload, protocol.ConnectMagic) {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		d.mu.Lock()
		if d.sessionActive {
			d.mu.Unlock()
			d.respond(req, protocol.ResponseBusy, nil)

			return
		}
		d.sessionActive = true
		d.sessionID = d.nextSessionID
		d.nextSessionID++
		sessionID := d.sessionID
		d.mu.Unlock()

		payload := append([]byte{}, protocol.ConnectMagic[:]...)
		payload = binary.BigEndian.AppendUint32(payload, sessionID)
		d.respond(req, protocol.ResponseOK, payload)

	case protocol.CommControlHeartbeat:
		if len(req.Payload) != 6 {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		sessionID := binary.BigEndian.Uint32(req.Payload[0:4])
		challenge := binary.BigEndian.Uint16(req.Payload[4:6])
		d.mu.Lock()
		ok := d.sessionActive && d.sessionID == sessionID
		current := d.sessionID
		d.mu.Unlock()
		if !ok {
			d.respond(req, protocol.ResponseFailureToProceed, nil)

			return
		}
		payload := binary.BigEndian.AppendUint32(nil, current)
		payload = binary.BigEndian.AppendUint16(payload, protocol.HeartbeatChallengeResponse(challenge))
		d.respond(req, protocol.ResponseOK, payload)

	case protocol.CommControlGetParams:
		p := d.cfg.Params
		payload := make([]byte, 17)
		binary.BigEndian.PutUint16(payload[0:2], p.MaxRxDataSize)
		binary.BigEndian.PutUint16(payload[2:4], p.MaxTxDataSize)
		binary.BigEndian.PutUint32(payload[4:8], p.MaxBitrate)
		binary.BigEndian.PutUint32(payload[8:12], p.HeartbeatTimeout)
		binary.BigEndian.PutUint32(payload[12:16], p.RxTimeout)
		payload[16] = uint8(p.AddressSize)
		d.respond(req, protocol.ResponseOK, payload)

	case protocol.CommControlDisconnect:
		if len(req.Payload) != 4 {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		sessionID := binary.BigEndian.Uint32(req.Payload)
		d.mu.Lock()
		if d.sessionActive && d.sessionID == sessionID {
			d.sessionActive = false
		}
		d.mu.Unlock()
		d.respond(req, protocol.ResponseOK, nil)
	}
}

func (d *Device) handleGetInfo(req *protocol.Request) {
	switch req.Subfunction {
	case protocol.GetInfoProtocolVersion:
		d.respond(req, protocol.ResponseOK, []byte{1, 0})

	case protocol.GetInfoSoftwareID:
		d.respond(req, protocol.ResponseOK, d.cfg.FirmwareID[:])

	case protocol.GetInfoSupportedFeatures:
		flags := uint8(protocol.FeatureMemoryWrite | protocol.FeatureDatalogging | protocol.FeatureUserCommand)
		if d.cfg.Params.AddressSize == protocol.Address64 {
			flags |= protocol.Feature64BitAddress
		}
		d.respond(req, protocol.ResponseOK, []byte{flags})

	case protocol.GetInfoSpecialMemoryRegionCount:
		d.respond(req, protocol.ResponseOK, []byte{
			uint8(len(d.cfg.ReadOnlyRegions)),
			uint8(len(d.cfg.ForbiddenRegions)),
		})

	case protocol.GetInfoSpecialMemoryRegionLoc:
		if len(req.Payload) != 2 {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		regions := d.cfg.ReadOnlyRegions
		if protocol.MemoryRegionType(req.Payload[0]) == protocol.RegionForbidden {
			regions = d.cfg.ForbiddenRegions
		}
		index := int(req.Payload[1])
		if index >= len(regions) {
			d.respond(req, protocol.ResponseFailureToProceed, nil)

			return
		}
		region := regions[index]
		payload := []byte{req.Payload[0], req.Payload[1]}
		payload = d.appendAddr(payload, region.Start)
		payload = d.appendAddr(payload, region.End)
		d.respond(req, protocol.ResponseOK, payload)
	}
}

func (d *Device) handleMemoryControl(req *protocol.Request) {
	addrSize := int(d.cfg.Params.AddressSize)
	headerLen := addrSize + 2

	switch req.Subfunction {
	case protocol.MemoryControlRead:
		payload := req.Payload
		var out []byte
		for len(payload) > 0 {
			if len(payload) < headerLen {
				d.respond(req, protocol.ResponseInvalidRequest, nil)

				return
			}
			addr := d.readAddr(payload[:addrSize])
			length := int(binary.BigEndian.Uint16(payload[addrSize:headerLen]))
			payload = payload[headerLen:]

			if d.inForbiddenRegion(addr, length) {
				d.respond(req, protocol.ResponseFailureToProceed, nil)

				return
			}
			data, ok := d.mem.Read(addr, length)
			if !ok {
				d.respond(req, protocol.ResponseInvalidRequest, nil)

				return
			}
			out = d.appendAddr(out, addr)
			out = binary.BigEndian.AppendUint16(out, uint16(length))
			out = append(out, data...)
		}
		if len(out) > int(d.cfg.Params.MaxTxDataSize) {
			d.respond(req, protocol.ResponseOverflow, nil)

			return
		}
		d.respond(req, protocol.ResponseOK, out)

	case protocol.MemoryControlWrite:
		payload := req.Payload
		var out []byte
		for len(payload) > 0 {
			if len(payload) < headerLen {
				d.respond(req, protocol.ResponseInvalidRequest, nil)

				return
			}
			addr := d.readAddr(payload[:addrSize])
			length := int(binary.BigEndian.Uint16(payload[addrSize:headerLen]))
			payload = payload[headerLen:]
			if len(payload) < length {
				d.respond(req, protocol.ResponseInvalidRequest, nil)

				return
			}
			data := payload[:length]
			payload = payload[length:]

			if d.inForbiddenRegion(addr, length) || d.inReadOnlyRegion(addr, length) {
				d.respond(req, protocol.ResponseFailureToProceed, nil)

				return
			}
			if !d.mem.Write(addr, data) {
				d.respond(req, protocol.ResponseInvalidRequest, nil)

				return
			}
			out = d.appendAddr(out, addr)
			out = binary.BigEndian.AppendUint16(out, uint16(length))
		}
		d.respond(req, protocol.ResponseOK, out)

	case protocol.MemoryControlWriteMasked:
		payload := req.Payload
		if len(payload) < headerLen {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		addr := d.readAddr(payload[:addrSize])
		length := int(binary.BigEndian.Uint16(payload[addrSize:headerLen]))
		payload = payload[headerLen:]
		if len(payload) != 2*length {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		data, mask := payload[:length], payload[length:]

		if d.inForbiddenRegion(addr, length) || d.inReadOnlyRegion(addr, length) {
			d.respond(req, protocol.ResponseFailureToProceed, nil)

			return
		}
		if !d.mem.WriteMasked(addr, data, mask) {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		out := d.appendAddr(nil, addr)
		out = binary.BigEndian.AppendUint16(out, uint16(length))
		d.respond(req, protocol.ResponseOK, out)
	}
}

func (d *Device) handleDatalogControl(req *protocol.Request) {
	switch req.Subfunction {
	case protocol.DatalogControlGetSetup:
		payload := binary.BigEndian.AppendUint32(nil, datalogBufferSize)
		payload = append(payload, 0) // raw encoding
		d.respond(req, protocol.ResponseOK, payload)

	case protocol.DatalogControlConfigure:
		if len(req.Payload) < 10 {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		d.datalogConfigured = true
		d.datalogArmed = false
		d.datalogConfig = protocol.DatalogConfig{
			ConfigID:      binary.BigEndian.Uint16(req.Payload[0:2]),
			Decimation:    binary.BigEndian.Uint16(req.Payload[2:4]),
			TimeoutMillis: binary.BigEndian.Uint32(req.Payload[4:8]),
			Condition:     req.Payload[8],
		}
		d.respond(req, protocol.ResponseOK, nil)

	case protocol.DatalogControlArmTrigger:
		if !d.datalogConfigured {
			d.respond(req, protocol.ResponseFailureToProceed, nil)

			return
		}
		// The stub acquisition completes instantly on arm.
		d.datalogArmed = true
		d.acquisitionID++
		d.respond(req, protocol.ResponseOK, nil)

	case protocol.DatalogControlDisarmTrigger:
		d.datalogArmed = false
		d.respond(req, protocol.ResponseOK, nil)

	case protocol.DatalogControlGetStatus:
		state := uint8(1) // idle
		ratio := uint8(0)
		if d.datalogArmed {
			state, ratio = 3, 255 // acquired
		} else if d.datalogConfigured {
			state = 2 // configured
		}
		d.respond(req, protocol.ResponseOK, []byte{state, ratio})

	case protocol.DatalogControlGetAcqMeta:
		if !d.datalogArmed {
			d.respond(req, protocol.ResponseFailureToProceed, nil)

			return
		}
		payload := binary.BigEndian.AppendUint16(nil, d.acquisitionID)
		payload = binary.BigEndian.AppendUint16(payload, d.datalogConfig.ConfigID)
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(d.acquisition)/4))
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(d.acquisition)))
		d.respond(req, protocol.ResponseOK, payload)

	case protocol.DatalogControlReadAcq:
		if len(req.Payload) != 8 {
			d.respond(req, protocol.ResponseInvalidRequest, nil)

			return
		}
		acqID := binary.BigEndian.Uint16(req.Payload[0:2])
		offset := int(binary.BigEndian.Uint32(req.Payload[2:6]))
		length := int(binary.BigEndian.Uint16(req.Payload[6:8]))
		if !d.datalogArmed || acqID != d.acquisitionID || offset > len(d.acquisition) {
			d.respond(req, protocol.ResponseFailureToProceed, nil)

			return
		}
		end := min(offset+length, len(d.acquisition))
		payload := binary.BigEndian.AppendUint16(nil, acqID)
		finished := byte(0)
		if end == len(d.acquisition) {
			finished = 1
		}
		payload = append(payload, finished)
		payload = append(payload, d.acquisition[offset:end]...)
		d.respond(req, protocol.ResponseOK, payload)
	}
}

func (d *Device) respond(req *protocol.Request, code protocol.ResponseCode, payload []byte) {
	resp := &protocol.Response{
		Command:     req.Command,
		Subfunction: req.Subfunction,
		Code:        code,
		Payload:     payload,
	}
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		d.logger.Error("encode response failed", "error", err)

		return
	}
	if err := d.link.Write(frame); err != nil {
		d.logger.Warn("response write failed", "error", err)
	}
}

func (d *Device) buildStubAcquisition() {
	d.acquisition = make([]byte, 256)
	for i := range d.acquisition {
		d.acquisition[i] = byte(i)
	}
}

func (d *Device) appendAddr(dst []byte, addr uint64) []byte {
	switch d.cfg.Params.AddressSize {
	case protocol.Address16:
		return binary.BigEndian.AppendUint16(dst, uint16(addr))
	case protocol.Address32:
		return binary.BigEndian.AppendUint32(dst, uint32(addr))
	default:
		return binary.BigEndian.AppendUint64(dst, addr)
	}
}

func (d *Device) readAddr(src []byte) uint64 {
	switch d.cfg.Params.AddressSize {
	case protocol.Address16:
		return uint64(binary.BigEndian.Uint16(src))
	case protocol.Address32:
		return uint64(binary.BigEndian.Uint32(src))
	default:
		return binary.BigEndian.Uint64(src)
	}
}

func (d *Device) inReadOnlyRegion(addr uint64, length int) bool {
	return overlapsAny(d.cfg.ReadOnlyRegions, addr, length)
}

func (d *Device) inForbiddenRegion(addr uint64, length int) bool {
	return overlapsAny(d.cfg.ForbiddenRegions, addr, length)
}

func overlapsAny(regions []protocol.SpecialRegionLocation, addr uint64, length int) bool {
	if length <= 0 {
		return false
	}
	end := addr + uint64(length) - 1
	for _, r := range regions {
		if addr <= r.End && end >= r.Start {
			return true
		}
	}

	return false
}

func equalMagic(payload []byte, magic [4]byte) bool {
	return len(payload) == 4 &&
		payload[0] == magic[0] && payload[1] == magic[1] &&
		payload[2] == magic[2] && payload[3] == magic[3]
}
