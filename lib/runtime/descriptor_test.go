package runtime

import (
	"path/filepath"
	"testing"
)

func TestDescriptorRoundTrip(t *testing.T) {
	d := &Descriptor{
		Version: DescriptorVersion,
		Callbacks: []CallbackInfo{
			{Entity: "World", Function: "on_update", Arity: 0},
			{Entity: "World", Function: "on_spawn", Arity: 4},
		},
		GameFunctions: []string{"println", "println_i32"},
	}

	data, err := MarshalDescriptor(d)
	if err != nil {
		t.Fatalf("MarshalDescriptor failed: %v", err)
	}

	got, err := UnmarshalDescriptor(data)
	if err != nil {
		t.Fatalf("UnmarshalDescriptor failed: %v", err)
	}

	if got.Version != DescriptorVersion {
		t.Errorf("version = %d, want %d", got.Version, DescriptorVersion)
	}
	if len(got.Callbacks) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(got.Callbacks))
	}
	if got.Callbacks[1] != (CallbackInfo{Entity: "World", Function: "on_spawn", Arity: 4}) {
		t.Errorf("callback 1 = %+v", got.Callbacks[1])
	}
	if len(got.GameFunctions) != 2 || got.GameFunctions[0] != "println" {
		t.Errorf("game functions = %v", got.GameFunctions)
	}
}

func TestUnmarshalDescriptorBadVersion(t *testing.T) {
	data, err := MarshalDescriptor(&Descriptor{Version: 99})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalDescriptor(data); err == nil {
		t.Error("accepted descriptor with unsupported version")
	}
}

func TestUnmarshalDescriptorGarbage(t *testing.T) {
	if _, err := UnmarshalDescriptor([]byte("not a descriptor")); err == nil {
		t.Error("accepted non-CBOR input")
	}
}

// WriteDescriptor stamps the current format version when the caller
// leaves it zero, so toolchain helpers cannot emit unversioned sidecars.
func TestWriteReadDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.modinfo")

	d := &Descriptor{
		Callbacks: []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
	}
	if err := WriteDescriptor(path, d); err != nil {
		t.Fatalf("WriteDescriptor failed: %v", err)
	}

	got, err := ReadDescriptor(path)
	if err != nil {
		t.Fatalf("ReadDescriptor failed: %v", err)
	}
	if got.Version != DescriptorVersion {
		t.Errorf("version = %d, want %d", got.Version, DescriptorVersion)
	}
	if len(got.Callbacks) != 1 || got.Callbacks[0].Entity != "World" {
		t.Errorf("callbacks = %+v", got.Callbacks)
	}
}

func TestReadDescriptorMissing(t *testing.T) {
	if _, err := ReadDescriptor(filepath.Join(t.TempDir(), "absent.modinfo")); err == nil {
		t.Error("ReadDescriptor succeeded on missing file")
	}
}
