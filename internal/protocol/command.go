package protocol

import "fmt"

// CommandID is the 7-bit command family identifier. The high bit of the
// command byte on the wire marks a response and is never part of the id.
type CommandID uint8

const (
	CmdDummy          CommandID = 0
	CmdGetInfo        CommandID = 1
	CmdCommControl    CommandID = 2
	CmdMemoryControl  CommandID = 3
	CmdUserCommand    CommandID = 4
	CmdDatalogControl CommandID = 5
)

// Subfunction is a per-family operation selector.
type Subfunction uint8

// GetInfo subfunctions.
const (
	GetInfoProtocolVersion          Subfunction = 1
	GetInfoSoftwareID               Subfunction = 2
	GetInfoSupportedFeatures        Subfunction = 3
	GetInfoSpecialMemoryRegionCount Subfunction = 4
	GetInfoSpecialMemoryRegionLoc   Subfunction = 5
)

// CommControl subfunctions.
const (
	CommControlDiscover   Subfunction = 1
	CommControlHeartbeat  Subfunction = 2
	CommControlGetParams  Subfunction = 3
	CommControlConnect    Subfunction = 4
	CommControlDisconnect Subfunction = 5
)

// MemoryControl subfunctions.
const (
	MemoryControlRead        Subfunction = 1
	MemoryControlWrite       Subfunction = 2
	MemoryControlWriteMasked Subfunction = 3
)

// DatalogControl subfunctions.
const (
	DatalogControlGetSetup      Subfunction = 1
	DatalogControlConfigure     Subfunction = 2
	DatalogControlArmTrigger    Subfunction = 3
	DatalogControlDisarmTrigger Subfunction = 4
	DatalogControlGetStatus     Subfunction = 5
	DatalogControlGetAcqMeta    Subfunction = 6
	DatalogControlReadAcq       Subfunction = 7
)

// Payload validation magics for CommControl.
var (
	DiscoverMagic = [4]byte{0x7E, 0x18, 0xFC, 0x68}
	ConnectMagic  = [4]byte{0x82, 0x90, 0x22, 0x66}
)

// CommandDescriptor describes one command family: its id, a human name, and
// the closed set of subfunctions it accepts. Families with an open
// subfunction space (user and dummy commands) leave Subfunctions nil.
type CommandDescriptor struct {
	ID           CommandID
	Name         string
	Subfunctions []Subfunction
}

// commandTable is the static command registry. Lookup never relies on
// runtime introspection; every family is enumerated here at compile time.
var commandTable = [...]CommandDescriptor{
	{ID: CmdDummy, Name: "DummyCommand"},
	{ID: CmdGetInfo, Name: "GetInfo", Subfunctions: []Subfunction{
		GetInfoProtocolVersion,
		GetInfoSoftwareID,
		GetInfoSupportedFeatures,
		GetInfoSpecialMemoryRegionCount,
		GetInfoSpecialMemoryRegionLoc,
	}},
	{ID: CmdCommControl, Name: "CommControl", Subfunctions: []Subfunction{
		CommControlDiscover,
		CommControlHeartbeat,
		CommControlGetParams,
		CommControlConnect,
		CommControlDisconnect,
	}},
	{ID: CmdMemoryControl, Name: "MemoryControl", Subfunctions: []Subfunction{
		MemoryControlRead,
		MemoryControlWrite,
		MemoryControlWriteMasked,
	}},
	{ID: CmdUserCommand, Name: "UserCommand"},
	{ID: CmdDatalogControl, Name: "DatalogControl", Subfunctions: []Subfunction{
		DatalogControlGetSetup,
		DatalogControlConfigure,
		DatalogControlArmTrigger,
		DatalogControlDisarmTrigger,
		DatalogControlGetStatus,
		DatalogControlGetAcqMeta,
		DatalogControlReadAcq,
	}},
}

// LookupCommand resolves a raw wire command byte to its descriptor. The
// response bit is masked off before matching.
func LookupCommand(raw uint8) (CommandDescriptor, error) {
	id := CommandID(raw & 0x7F)
	for _, desc := range commandTable {
		if desc.ID == id {
			return desc, nil
		}
	}

	return CommandDescriptor{}, fmt.Errorf("%w: id %d", ErrUnknownCommand, id)
}

// ValidSubfunction reports whether subfn belongs to the family. Families
// without an enumerated set accept any subfunction.
func (d CommandDescriptor) ValidSubfunction(subfn Subfunction) bool {
	if d.Subfunctions == nil {
		return true
	}
	for _, s := range d.Subfunctions {
		if s == subfn {
			return true
		}
	}

	return false
}

func (d CommandDescriptor) String() string {
	return fmt.Sprintf("%s(%d)", d.Name, d.ID)
}
