package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedUpdate indicates that update bytes do not decode against the
// fragment format and were rejected without touching the document.
var ErrMalformedUpdate = errors.New("document: malformed update")

// updateCodecV1 tags every valid update fragment.
const updateCodecV1 = 0x01

const frameHeaderSize = 4

type fragment struct {
	data    []byte
	version int64
}

// State is the mergeable document representation: a grow-only set of opaque
// update fragments. Applying the same fragments in any order, any number of
// times, yields the same full-state encoding. State is not safe for concurrent
// use; the owning Room serializes all access.
type State struct {
	fragments []fragment
	seen      map[string]struct{}
	version   int64
}

// NewState returns an empty document state.
func NewState() *State {
	return &State{
		seen: make(map[string]struct{}),
	}
}

// NewStateFromEncoded rebuilds a state from a full-state encoding produced by
// EncodeFull. A nil or empty encoding yields an empty state.
func NewStateFromEncoded(encoded []byte) (*State, error) {
	state := NewState()
	fragments, err := splitFrames(encoded)
	if err != nil {
		return nil, err
	}
	for _, data := range fragments {
		if err := state.ApplyUpdate(data); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// ApplyUpdate merges one update fragment into the state. Duplicates are
// idempotent no-ops. Returns ErrMalformedUpdate when the bytes do not decode.
func (s *State) ApplyUpdate(update []byte) error {
	if err := validateUpdate(update); err != nil {
		return err
	}

	sum := fragmentHash(update)
	if _, dup := s.seen[sum]; dup {
		return nil
	}

	data := make([]byte, len(update))
	copy(data, update)

	s.version++
	s.fragments = append(s.fragments, fragment{data: data, version: s.version})
	s.seen[sum] = struct{}{}
	return nil
}

// Version counts the distinct fragments applied so far.
func (s *State) Version() int64 {
	return s.version
}

// EncodeFull serializes the whole state. Fragments are emitted in lexicographic
// order so the encoding does not depend on arrival order. An empty state
// encodes to an empty slice.
func (s *State) EncodeFull() []byte {
	ordered := make([][]byte, 0, len(s.fragments))
	for _, frag := range s.fragments {
		ordered = append(ordered, frag.data)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i], ordered[j]) < 0
	})
	return appendFrames(nil, ordered)
}

// EncodeDelta serializes the fragments applied after sinceVersion, in apply
// order, so a caller holding an older copy can catch up incrementally.
func (s *State) EncodeDelta(sinceVersion int64) []byte {
	newer := make([][]byte, 0)
	for _, frag := range s.fragments {
		if frag.version > sinceVersion {
			newer = append(newer, frag.data)
		}
	}
	return appendFrames(nil, newer)
}

func validateUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	if update[0] != updateCodecV1 {
		return fmt.Errorf("%w: unknown codec tag %#x", ErrMalformedUpdate, update[0])
	}
	if len(update) < 2 {
		return fmt.Errorf("%w: missing body", ErrMalformedUpdate)
	}
	return nil
}

func fragmentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// appendFrames writes each fragment with a big-endian uint32 length prefix.
func appendFrames(dst []byte, fragments [][]byte) []byte {
	for _, data := range fragments {
		var header [frameHeaderSize]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(data)))
		dst = append(dst, header[:]...)
		dst = append(dst, data...)
	}
	return dst
}

// splitFrames inverts appendFrames.
func splitFrames(encoded []byte) ([][]byte, error) {
	var fragments [][]byte
	offset := 0
	for offset < len(encoded) {
		if offset+frameHeaderSize > len(encoded) {
			return nil, fmt.Errorf("%w: truncated frame header", ErrMalformedUpdate)
		}
		length := int(binary.BigEndian.Uint32(encoded[offset : offset+frameHeaderSize]))
		offset += frameHeaderSize
		if offset+length > len(encoded) {
			return nil, fmt.Errorf("%w: truncated frame body", ErrMalformedUpdate)
		}
		data := make([]byte, length)
		copy(data, encoded[offset:offset+length])
		fragments = append(fragments, data)
		offset += length
	}
	return fragments, nil
}
