package driver

import "encoding/binary"

// MarshalMemoryKey encodes a MemoryKey into its 64-byte wire form
// (16 little-endian 32-bit words, spec.md §6).
func MarshalMemoryKey(k *MemoryKey) []byte {
	buf := make([]byte, MemoryKeyWireSize)

	binary.LittleEndian.PutUint64(buf[0:8], k.Address)
	binary.LittleEndian.PutUint64(buf[8:16], k.Size)
	binary.LittleEndian.PutUint64(buf[16:24], k.RegAddress)
	binary.LittleEndian.PutUint64(buf[24:32], k.MRHandle)
	binary.LittleEndian.PutUint32(buf[32:36], k.LKey)
	binary.LittleEndian.PutUint32(buf[36:40], k.RKey)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(k.Type))
	binary.LittleEndian.PutUint32(buf[44:48], k.NotifyRKey)
	binary.LittleEndian.PutUint64(buf[48:56], k.NotifyAddr)
	// words 14..15 (bytes 56..64) are reserved and stay zero.

	return buf
}

// ErrShortMemoryKey is returned by UnmarshalMemoryKey when fewer than
// MemoryKeyWireSize bytes are supplied.
type ErrShortMemoryKey struct{ Got int }

func (e ErrShortMemoryKey) Error() string {
	return "driver: short memory key buffer"
}

// UnmarshalMemoryKey decodes a 64-byte wire buffer into a MemoryKey.
func UnmarshalMemoryKey(data []byte) (MemoryKey, error) {
	var k MemoryKey
	if len(data) < MemoryKeyWireSize {
		return k, ErrShortMemoryKey{Got: len(data)}
	}

	k.Address = binary.LittleEndian.Uint64(data[0:8])
	k.Size = binary.LittleEndian.Uint64(data[8:16])
	k.RegAddress = binary.LittleEndian.Uint64(data[16:24])
	k.MRHandle = binary.LittleEndian.Uint64(data[24:32])
	k.LKey = binary.LittleEndian.Uint32(data[32:36])
	k.RKey = binary.LittleEndian.Uint32(data[36:40])
	k.Type = MemoryKeyType(binary.LittleEndian.Uint32(data[40:44]))
	k.NotifyRKey = binary.LittleEndian.Uint32(data[44:48])
	k.NotifyAddr = binary.LittleEndian.Uint64(data[48:56])

	return k, nil
}

// ParseMemoryKey implements the round-trip law of spec.md §8: for a key of
// MemoryKeyTypeDevice, it reconstitutes the address/size the key's owner
// registered at RegisterMemoryRegion time.
func ParseMemoryKey(data []byte) (addr, size uint64, err error) {
	k, err := UnmarshalMemoryKey(data)
	if err != nil {
		return 0, 0, err
	}
	if k.Type != MemoryKeyTypeDevice {
		return 0, 0, nil
	}
	return k.RegAddress, k.Size, nil
}
