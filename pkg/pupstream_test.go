package pupstream_test

import (
	"testing"

	pupstream "github.com/getpup/pupstream/pkg"
)

func TestVersion(t *testing.T) {
	version := pupstream.Version()
	if version == "" {
		t.Error("Version() should return a non-empty string")
	}
}
