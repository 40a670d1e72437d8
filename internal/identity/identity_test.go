package identity

import (
	"strings"
	"testing"
)

func TestNewDeviceIDUnique(t *testing.T) {
	a, err := NewDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated IDs are equal")
	}
	if a.IsZero() {
		t.Error("generated ID is zero")
	}
}

func TestParseDeviceID(t *testing.T) {
	id, err := NewDeviceID()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"canonical", id.String(), false},
		{"whitespace", "  " + id.String() + "\n", false},
		{"0x prefix", "0x" + id.String(), false},
		{"too short", id.String()[:30], true},
		{"not hex", strings.Repeat("zz", IDSize), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeviceID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseDeviceID(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDeviceID(%q): %v", tt.input, err)
			}
			if got != id {
				t.Errorf("got %s, want %s", got, id)
			}
		})
	}
}

func TestShortIDStable(t *testing.T) {
	id, err := ParseDeviceID("00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}

	short := id.ShortID()
	if len(short) != ShortIDLen {
		t.Fatalf("short ID length = %d, want %d", len(short), ShortIDLen)
	}
	if short != id.ShortID() {
		t.Error("short ID is not deterministic")
	}

	other, err := NewDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if other.ShortID() == short {
		t.Error("distinct IDs produced the same short ID")
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	id, err := NewDeviceID()
	if err != nil {
		t.Fatal(err)
	}

	text, err := id.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	var got DeviceID
	if err := got.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("got %s, want %s", got, id)
	}
}

func TestStoreAndLoad(t *testing.T) {
	dir := t.TempDir()

	id, err := NewDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Store(dir); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != id {
		t.Errorf("loaded %s, want %s", got, id)
	}

	if err := ZeroID.Store(dir); err == nil {
		t.Error("storing the zero ID should fail")
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()

	id, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first call should create")
	}

	again, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call should load")
	}
	if again != id {
		t.Errorf("loaded %s, want %s", again, id)
	}
}
