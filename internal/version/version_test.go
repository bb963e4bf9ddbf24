package version

import (
	"strings"
	"testing"
)

func TestStringCarriesBuildMetadata(t *testing.T) {
	s := String()
	for _, want := range []string{Version, Commit, BuildDate} {
		if !strings.Contains(s, want) {
			t.Fatalf("String() = %q, missing %q", s, want)
		}
	}
}
