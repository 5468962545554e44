package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderImagePNG(t *testing.T) {
	png, err := RenderImage(context.Background(), Build("Sales", salesFlow()), FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")

	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageRunOverlay(t *testing.T) {
	png, err := RenderImage(context.Background(), BuildRun("Sales", convertedRun()), FormatPNG)
	require.NoError(t, err)
	require.NotEmpty(t, png)
	assert.Equal(t, byte(0x89), png[0])
}

func TestRenderImageSVG(t *testing.T) {
	svg, err := RenderImage(context.Background(), Build("Sales", salesFlow()), FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}
