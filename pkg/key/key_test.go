package key

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestFromDataDeterministic(t *testing.T) {
	a := FromData([]byte("artifact"))
	b := FromData([]byte("artifact"))
	if a != b {
		t.Errorf("same input produced different keys: %s vs %s", a, b)
	}

	c := FromData([]byte("other"))
	if a == c {
		t.Error("different inputs produced equal keys")
	}
}

func TestStringRoundTrip(t *testing.T) {
	k := FromData([]byte("round trip"))

	s := k.String()
	if len(s) != HexLen {
		t.Fatalf("wrong hex length: got %d, want %d", len(s), HexLen)
	}
	if s != strings.ToLower(s) {
		t.Error("hex form is not lowercase")
	}

	parsed, err := FromString(s)
	if err != nil {
		t.Fatalf("FromString failed: %v", err)
	}
	if parsed != k {
		t.Errorf("round trip mismatch: got %s, want %s", parsed, k)
	}
}

func TestFromStringErrors(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too short", "ab12"},
		{"bad characters", strings.Repeat("zz", Size)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromString(tc.input); err == nil {
				t.Errorf("FromString(%q) succeeded, want error", tc.input)
			}
		})
	}
}

func TestFromBytes(t *testing.T) {
	k := FromData([]byte("bytes"))

	parsed, err := FromBytes(k.Bytes())
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if parsed != k {
		t.Error("FromBytes round trip mismatch")
	}

	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("FromBytes accepted a short slice")
	}
}

func TestFolderPath(t *testing.T) {
	k := FromData([]byte("sharding"))
	s := k.String()

	want := filepath.Join("/cache", s[:2], s[2:])
	if got := k.FolderPath("/cache"); got != want {
		t.Errorf("FolderPath: got %s, want %s", got, want)
	}
}
