package logging

import (
	"slices"
	"strings"
	"testing"
)

func TestTruncateUserData(t *testing.T) {
	userData := "#cloud-config\nusers:\n  - name: rizl\n" + strings.Repeat("#", MaxLogFieldLength)

	got := Truncate(userData)
	if len(got) != MaxLogFieldLength+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("Truncate() returned %d bytes ending in %q", len(got), got[len(got)-3:])
	}
	if !strings.HasPrefix(got, "#cloud-config\n") {
		t.Errorf("Truncate() lost the start of the input")
	}

	short := "rpc error: code = Unavailable"
	if Truncate(short) != short {
		t.Errorf("Truncate(%q) changed a short string", short)
	}
}

func TestTruncateN(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"", 4, ""},
		{"fhm000001", 9, "fhm000001"},
		{"fhm000001", 3, "fhm..."},
		{"fhm000001", 0, "..."},
		// "ж" is two bytes; cutting inside it backs off to the rune start.
		{"abжcd", 3, "ab..."},
		{"abжcd", 4, "abж..."},
	}

	for _, tt := range tests {
		if got := TruncateN(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncateN(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestTruncateSlice(t *testing.T) {
	errs := []string{"users-groups failed", "ssh failed", "runcmd failed", "final failed"}

	if got := TruncateSlice(errs, 10); !slices.Equal(got, errs) {
		t.Errorf("TruncateSlice() = %v, want unchanged", got)
	}

	want := []string{"users-groups failed", "... and 3 more"}
	if got := TruncateSlice(errs, 1); !slices.Equal(got, want) {
		t.Errorf("TruncateSlice() = %v, want %v", got, want)
	}

	if got := TruncateSlice(nil, 3); len(got) != 0 {
		t.Errorf("TruncateSlice(nil) = %v", got)
	}
}
