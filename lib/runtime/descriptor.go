package runtime

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// DescriptorVersion is the current .modinfo format version. Artifacts
// carrying any other version are rejected at load time.
const DescriptorVersion = 1

// descriptorExt is the sidecar suffix the toolchain emits next to each
// shared library artifact.
const descriptorExt = ".modinfo"

// Descriptor is the toolchain-emitted index of a mod artifact: the
// callbacks its library exports (with the compiled arity of each entry
// point) and the game functions its code references. Loading validates
// both lists, the first against the contract and the second against the
// registry.
type Descriptor struct {
	Version       int            `cbor:"version"`
	Callbacks     []CallbackInfo `cbor:"callbacks"`
	GameFunctions []string       `cbor:"game_functions"`
}

// CallbackInfo records one implemented (entity, function) pair and the
// argument count of its compiled entry point.
type CallbackInfo struct {
	Entity   string `cbor:"entity"`
	Function string `cbor:"function"`
	Arity    int    `cbor:"arity"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("runtime: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalDescriptor serializes a Descriptor to CBOR bytes.
func MarshalDescriptor(d *Descriptor) ([]byte, error) {
	return cborEncMode.Marshal(d)
}

// UnmarshalDescriptor deserializes a Descriptor from CBOR bytes and
// checks its format version.
func UnmarshalDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	if d.Version != DescriptorVersion {
		return nil, fmt.Errorf("unsupported descriptor version %d", d.Version)
	}
	return &d, nil
}

// ReadDescriptor loads a .modinfo sidecar file.
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	return UnmarshalDescriptor(data)
}

// WriteDescriptor writes a descriptor sidecar, stamping the current
// format version when none is set. Toolchains use it to emit the index
// next to the built artifact.
func WriteDescriptor(path string, d *Descriptor) error {
	out := *d
	if out.Version == 0 {
		out.Version = DescriptorVersion
	}
	data, err := MarshalDescriptor(&out)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing descriptor: %w", err)
	}
	return nil
}
