package emulator

// Memory is a flat addressable byte array starting at a base address.
// Reads and writes outside the populated range fail instead of growing.
type Memory struct {
	base uint64
	data []byte
}

func NewMemory(base uint64, size int) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

func (m *Memory) contains(addr uint64, length int) bool {
	if addr < m.base {
		return false
	}
	offset := addr - m.base
	return offset+uint64(length) <= uint64(len(m.data))
}

// Read copies out length bytes at addr, or reports false out of range.
func (m *Memory) Read(addr uint64, length int) ([]byte, bool) {
	if length < 0 || !m.contains(addr, length) {
		return nil, false
	}
	offset := addr - m.base
	out := make([]byte, length)
	copy(out, m.data[offset:])

	return out, true
}

// Write stores data at addr, or reports false out of range.
func (m *Memory) Write(addr uint64, data []byte) bool {
	if !m.contains(addr, len(data)) {
		return false
	}
	copy(m.data[addr-m.base:], data)

	return true
}

// WriteMasked stores only the mask-selected bits of data at addr.
func (m *Memory) WriteMasked(addr uint64, data, mask []byte) bool {
	if len(data) != len(mask) || !m.contains(addr, len(data)) {
		return false
	}
	offset := addr - m.base
	for i := range data {
		cur := m.data[offset+uint64(i)]
		m.data[offset+uint64(i)] = (data[i] & mask[i]) | (cur &^ mask[i])
	}

	return true
}
