package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeometryRoundTrip(t *testing.T) {
	cases := []string{
		"640x480+0+0",
		"800x600+100+200",
		"1280x720-50+30",
		"320x240-10-20",
	}
	for _, s := range cases {
		g, err := ParseGeometry(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, g.String())
	}
}

func TestParseGeometryNegativeOffsets(t *testing.T) {
	g, err := ParseGeometry("800x600+100-50")
	require.NoError(t, err)
	assert.Equal(t, Geometry{Width: 800, Height: 600, X: 100, Y: -50}, g)
}

func TestParseGeometryRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "800x600", "800x600+1", "x480+0+0", "800x600+0+0+0", "800 x 600+0+0"} {
		_, err := ParseGeometry(s)
		assert.Error(t, err, s)
	}
}
