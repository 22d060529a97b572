package device

import "github.com/gogpu/gputypes"

// FormatInfo contains metadata about a texel format.
type FormatInfo struct {
	// BytesPerTexel is the size of one texel in bytes.
	BytesPerTexel int

	// Channels is the number of components per texel.
	Channels int

	// Float reports whether components are floating point.
	Float bool
}

// formatInfoTable covers the formats pipeflow data types map to.
var formatInfoTable = map[gputypes.TextureFormat]FormatInfo{
	gputypes.TextureFormatR8Unorm:     {BytesPerTexel: 1, Channels: 1},
	gputypes.TextureFormatR8Uint:      {BytesPerTexel: 1, Channels: 1},
	gputypes.TextureFormatR8Sint:      {BytesPerTexel: 1, Channels: 1},
	gputypes.TextureFormatRG8Uint:     {BytesPerTexel: 2, Channels: 2},
	gputypes.TextureFormatRG8Sint:     {BytesPerTexel: 2, Channels: 2},
	gputypes.TextureFormatRGBA8Unorm:  {BytesPerTexel: 4, Channels: 4},
	gputypes.TextureFormatRGBA8Uint:   {BytesPerTexel: 4, Channels: 4},
	gputypes.TextureFormatRGBA8Sint:   {BytesPerTexel: 4, Channels: 4},
	gputypes.TextureFormatBGRA8Unorm:  {BytesPerTexel: 4, Channels: 4},
	gputypes.TextureFormatR16Uint:     {BytesPerTexel: 2, Channels: 1},
	gputypes.TextureFormatR16Sint:     {BytesPerTexel: 2, Channels: 1},
	gputypes.TextureFormatRG16Uint:    {BytesPerTexel: 4, Channels: 2},
	gputypes.TextureFormatRG16Sint:    {BytesPerTexel: 4, Channels: 2},
	gputypes.TextureFormatRGBA16Uint:  {BytesPerTexel: 8, Channels: 4},
	gputypes.TextureFormatRGBA16Sint:  {BytesPerTexel: 8, Channels: 4},
	gputypes.TextureFormatR32Uint:     {BytesPerTexel: 4, Channels: 1},
	gputypes.TextureFormatR32Float:    {BytesPerTexel: 4, Channels: 1, Float: true},
	gputypes.TextureFormatRG32Uint:    {BytesPerTexel: 8, Channels: 2},
	gputypes.TextureFormatRG32Float:   {BytesPerTexel: 8, Channels: 2, Float: true},
	gputypes.TextureFormatRGBA32Uint:  {BytesPerTexel: 16, Channels: 4},
	gputypes.TextureFormatRGBA32Float: {BytesPerTexel: 16, Channels: 4, Float: true},
}

// LookupFormat returns the FormatInfo for format.
// ok is false for formats pipeflow does not handle.
func LookupFormat(format gputypes.TextureFormat) (FormatInfo, bool) {
	info, ok := formatInfoTable[format]
	return info, ok
}

// ImageSize returns the byte size of a tightly packed image.
// It returns 0 for unknown formats.
func ImageSize(size gputypes.Extent3D, format gputypes.TextureFormat) uint64 {
	info, ok := formatInfoTable[format]
	if !ok {
		return 0
	}
	depth := uint64(size.DepthOrArrayLayers)
	if depth == 0 {
		depth = 1
	}
	return uint64(size.Width) * uint64(size.Height) * depth * uint64(info.BytesPerTexel)
}
