package protocol

// AddressSize is the device's negotiated pointer width in bytes.
type AddressSize uint8

const (
	Address16 AddressSize = 2
	Address32 AddressSize = 4
	Address64 AddressSize = 8
)

func (s AddressSize) valid() bool {
	return s == Address16 || s == Address32 || s == Address64
}

// FirmwareIDSize is the fixed width of the device firmware identifier.
const FirmwareIDSize = 16

// DiscoverResponse is the parsed payload of CommControl.Discover.
type DiscoverResponse struct {
	FirmwareID  [FirmwareIDSize]byte
	DisplayName string
}

// ConnectResponse is the parsed payload of CommControl.Connect.
type ConnectResponse struct {
	SessionID uint32
}

// HeartbeatResponse is the parsed payload of CommControl.Heartbeat.
type HeartbeatResponse struct {
	SessionID         uint32
	ChallengeResponse uint16
}

// CommParams are the device-declared link parameters from GetParams.
type CommParams struct {
	MaxRxDataSize    uint16
	MaxTxDataSize    uint16
	MaxBitrate       uint32
	HeartbeatTimeout uint32 // milliseconds
	RxTimeout        uint32 // milliseconds
	AddressSize      AddressSize
}

// ProtocolVersion is the parsed payload of GetInfo.GetProtocolVersion.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// Supported feature flags reported by GetInfo.GetSupportedFeatures.
const (
	FeatureMemoryWrite  = 0x01
	FeatureDatalogging  = 0x02
	FeatureUserCommand  = 0x04
	Feature64BitAddress = 0x08
)

// SupportedFeatures is the parsed payload of GetInfo.GetSupportedFeatures.
type SupportedFeatures struct {
	MemoryWrite  bool
	Datalogging  bool
	UserCommand  bool
	Address64Bit bool
}

// MemoryRegionType selects between the two special region kinds.
type MemoryRegionType uint8

const (
	RegionReadOnly  MemoryRegionType = 1
	RegionForbidden MemoryRegionType = 2
)

// SpecialRegionCount is the parsed payload of GetSpecialMemoryRegionCount.
type SpecialRegionCount struct {
	ReadOnly  uint8
	Forbidden uint8
}

// SpecialRegionLocation is one special memory region's bounds.
type SpecialRegionLocation struct {
	Type  MemoryRegionType
	Index uint8
	Start uint64
	End   uint64
}

// MemoryBlock is one (address, data) unit for memory reads and writes.
// Length carries the requested size on read requests; Data carries the
// bytes on read responses and write requests.
type MemoryBlock struct {
	Address uint64
	Length  uint16
	Data    []byte
}

// MaskedMemoryBlock is a write where only mask-selected bits are touched.
type MaskedMemoryBlock struct {
	Address uint64
	Data    []byte
	Mask    []byte
}

// DatalogSetup is the parsed payload of DatalogControl.GetSetup.
type DatalogSetup struct {
	BufferSize uint32
	Encoding   uint8
}

// DatalogOperand is one trigger condition operand.
type DatalogOperand struct {
	Type  uint8
	Value uint64
}

// DatalogConfig is the request shape of DatalogControl.Configure.
type DatalogConfig struct {
	ConfigID      uint16
	Decimation    uint16
	TimeoutMillis uint32
	Condition     uint8
	Operands      []DatalogOperand
}

// DatalogStatus is the parsed payload of DatalogControl.GetStatus.
type DatalogStatus struct {
	State           uint8
	CompletionRatio uint8
}

// AcquisitionMetadata is the parsed payload of GetAcquisitionMetadata.
type AcquisitionMetadata struct {
	AcquisitionID uint16
	ConfigID      uint16
	EntryCount    uint32
	DataSize      uint32
}

// AcquisitionChunk is the parsed payload of DatalogControl.ReadAcquisition.
type AcquisitionChunk struct {
	AcquisitionID uint16
	Finished      bool
	Data          []byte
}
