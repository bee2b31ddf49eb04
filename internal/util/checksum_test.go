package util

import (
	"testing"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checksum1 := ComputeChecksum(tt.data)
			checksum2 := ComputeChecksum(tt.data)

			if checksum1 != checksum2 {
				t.Errorf("Checksums should be deterministic: %d != %d", checksum1, checksum2)
			}
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("metadata record payload")
	checksum := ComputeChecksum(data)

	if !ValidateChecksum(data, checksum) {
		t.Error("Valid checksum should pass validation")
	}

	if ValidateChecksum(data, checksum+1) {
		t.Error("Invalid checksum should fail validation")
	}

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	if ValidateChecksum(corrupted, checksum) {
		t.Error("Corrupted data should fail validation")
	}
}

func TestAppendAndStripChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed := AppendChecksum(tt.data)
			if len(framed) != len(tt.data)+4 {
				t.Fatalf("Expected %d bytes, got %d", len(tt.data)+4, len(framed))
			}

			stripped, ok := ValidateAndStripChecksum(framed)
			if !ok {
				t.Fatal("Round-tripped data should validate")
			}
			if string(stripped) != string(tt.data) {
				t.Errorf("Stripped data mismatch: %q != %q", stripped, tt.data)
			}
		})
	}
}

func TestValidateAndStripChecksum_Corruption(t *testing.T) {
	framed := AppendChecksum([]byte("entry body"))

	framed[0] ^= 0xFF
	if _, ok := ValidateAndStripChecksum(framed); ok {
		t.Error("Corrupted body should fail validation")
	}
}

func TestValidateAndStripChecksum_TooShort(t *testing.T) {
	if _, ok := ValidateAndStripChecksum([]byte{0x01, 0x02}); ok {
		t.Error("Records shorter than the checksum trailer should fail")
	}
}
