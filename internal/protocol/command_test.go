package protocol

import (
	"errors"
	"testing"
)

func TestLookupCommandMasksResponseBit(t *testing.T) {
	desc, err := LookupCommand(uint8(CmdMemoryControl) | 0x80)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if desc.ID != CmdMemoryControl {
		t.Fatalf("id mismatch: got %d want %d", desc.ID, CmdMemoryControl)
	}
}

func TestLookupCommandUnknown(t *testing.T) {
	_, err := LookupCommand(0x3F)
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestValidSubfunction(t *testing.T) {
	comm, err := LookupCommand(uint8(CmdCommControl))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !comm.ValidSubfunction(CommControlHeartbeat) {
		t.Fatalf("heartbeat should be valid for CommControl")
	}
	if comm.ValidSubfunction(42) {
		t.Fatalf("subfunction 42 should be invalid for CommControl")
	}

	user, err := LookupCommand(uint8(CmdUserCommand))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !user.ValidSubfunction(42) {
		t.Fatalf("user command has an open subfunction space")
	}
}
