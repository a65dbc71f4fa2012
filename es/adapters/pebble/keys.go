package pebble

import (
	"encoding/binary"
	"fmt"
)

// Key layout, each under the configured KeyPrefix:
//
//	h                        last global sequence (8 bytes, big endian)
//	s/{stream}               stream metadata
//	e/{stream}\x00{index}    event, index as 8 bytes big endian
//	g/{sequence}             pointer from global sequence to stream and index
//	u/{subscription}         subscription record
//
// The NUL separator keeps "a" and "a/b" from sharing an event key range.
const uint64Size = 8

type keys struct {
	prefix []byte
}

func newKeys(prefix string) keys {
	return keys{prefix: []byte(prefix)}
}

func (k keys) with(parts ...[]byte) []byte {
	n := len(k.prefix)
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	key = append(key, k.prefix...)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

func (k keys) head() []byte {
	return k.with([]byte("h"))
}

func (k keys) streamPrefix() []byte {
	return k.with([]byte("s/"))
}

func (k keys) stream(id string) []byte {
	return k.with([]byte("s/"), []byte(id))
}

func (k keys) streamName(key []byte) string {
	return string(key[len(k.prefix)+2:])
}

func (k keys) eventPrefix(stream string) []byte {
	return k.with([]byte("e/"), []byte(stream), []byte{0})
}

func (k keys) event(stream string, index int64) []byte {
	return binary.BigEndian.AppendUint64(k.eventPrefix(stream), uint64(index))
}

func (k keys) globalPrefix() []byte {
	return k.with([]byte("g/"))
}

func (k keys) global(sequence int64) []byte {
	return binary.BigEndian.AppendUint64(k.globalPrefix(), uint64(sequence))
}

func (k keys) parseGlobal(key []byte) (int64, error) {
	if len(key) != len(k.prefix)+2+uint64Size {
		return 0, fmt.Errorf("invalid global event key length: %q", key)
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-uint64Size:])), nil
}

func (k keys) subscriptionPrefix() []byte {
	return k.with([]byte("u/"))
}

func (k keys) subscription(id string) []byte {
	return k.with([]byte("u/"), []byte(id))
}

// prefixEnd returns the key that immediately follows all keys with the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeUint64(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func decodeUint64(b []byte) (int64, error) {
	if len(b) != uint64Size {
		return 0, fmt.Errorf("invalid counter length %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
