package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVersionStrings ensures Short and Full return non-empty consistent information.
func TestVersionStrings(t *testing.T) {
	t.Parallel()

	require.NotEmpty(t, Short())
	require.Contains(t, Full(), Short())
}

// TestUserAgent checks the agent carries the binary name and version.
func TestUserAgent(t *testing.T) {
	t.Parallel()

	require.Equal(t, "microscope-client/"+Short(), UserAgent("microscope-client"))
}
