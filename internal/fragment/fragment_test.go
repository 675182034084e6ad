package fragment

import (
	"errors"
	"testing"
)

func TestParseValidNames(t *testing.T) {
	tests := []struct {
		path      string
		groupID   string
		partIndex int
		ext       string
	}{
		{"20260823T101500Z_part00.dat", "20260823T101500Z", 0, "dat"},
		{"20260823T101500Z_part15.dat", "20260823T101500Z", 15, "dat"},
		{"/input/dir/20260823T101500Z_part07.bin", "20260823T101500Z", 7, "bin"},
		{"obs-2026-08-23_run4_part03.raw", "obs-2026-08-23_run4", 3, "raw"},
		{"x_part123.dat", "x", 123, "dat"},
	}

	for _, tt := range tests {
		info, err := Parse(tt.path)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.path, err)
		}
		if info.GroupID != tt.groupID {
			t.Errorf("Parse(%q) group = %q, want %q", tt.path, info.GroupID, tt.groupID)
		}
		if info.PartIndex != tt.partIndex {
			t.Errorf("Parse(%q) part = %d, want %d", tt.path, info.PartIndex, tt.partIndex)
		}
		if info.Ext != tt.ext {
			t.Errorf("Parse(%q) ext = %q, want %q", tt.path, info.Ext, tt.ext)
		}
	}
}

func TestParseRejectsMalformedNames(t *testing.T) {
	bad := []string{
		"",
		"readme.txt",
		"20260823T101500Z_part.dat",
		"20260823T101500Z_part7.dat",
		"20260823T101500Z_partXX.dat",
		"_part00.dat",
		"20260823T101500Z_part00",
		"20260823T101500Z_part00.",
	}

	for _, name := range bad {
		_, err := Parse(name)
		if err == nil {
			t.Errorf("Parse(%q): expected error", name)
			continue
		}
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("Parse(%q): expected *ParseError, got %T", name, err)
		}
	}
}

func TestNameRoundTrips(t *testing.T) {
	name := Name("20260823T101500Z", 9, "dat")
	if name != "20260823T101500Z_part09.dat" {
		t.Fatalf("unexpected name %q", name)
	}
	info, err := Parse(name)
	if err != nil {
		t.Fatalf("parse rendered name: %v", err)
	}
	if info.GroupID != "20260823T101500Z" || info.PartIndex != 9 {
		t.Fatalf("round trip mismatch: %+v", info)
	}
}
