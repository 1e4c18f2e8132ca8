package badgerns

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/meridianfs/meridian/internal/namespace"
)

// Records are stored as JSON: the schema evolves with the metadata structs
// and the values stay inspectable with the badger CLI. Counters are stored
// as fixed 8-byte big-endian integers.

func encodeContainer(c *namespace.ContainerMD) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode container %d: %w", c.ID, err)
	}
	return data, nil
}

func decodeContainer(data []byte) (*namespace.ContainerMD, error) {
	var c namespace.ContainerMD
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode container: %w", err)
	}
	return &c, nil
}

func encodeFile(f *namespace.FileMD) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode file %d: %w", f.ID, err)
	}
	return data, nil
}

func decodeFile(data []byte) (*namespace.FileMD, error) {
	var f namespace.FileMD
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode file: %w", err)
	}
	return &f, nil
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("counter value has %d bytes, want 8", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}
