package core

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatErrorContext(t *testing.T) {
	t.Parallel()
	err := FormatErrorAt(120, 48, 52, "spectral segment of acquisition %d", 3)
	assert.Equal(t, "spectral segment of acquisition 3 (offset=120, expected=48, actual=52)", err.Error())
	var formatErr *FormatError
	assert.True(t, errors.As(error(err), &formatErr))
	assert.Equal(t, int64(120), formatErr.Offset)

	plain := FormatErrorf("no marker")
	assert.Equal(t, int64(-1), plain.Offset)
	assert.Equal(t, int64(-1), plain.Expected)
}

func TestMetadataErrorMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Acquisition 4: missing MaxX", MetadataErrorf("Acquisition", 4, "missing %s", "MaxX").Error())
	assert.Equal(t, "Slide: no ID", MetadataErrorf("Slide", -1, "no ID").Error())
}

func TestCacheIOErrorWraps(t *testing.T) {
	t.Parallel()
	err := CacheIOErrorf("a.dcm", "reading block: %w", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "a.dcm", err.Path)
	assert.Contains(t, err.Error(), "cache a.dcm")

	channelErr := NewInvalidChannelError(2, "Ir191")
	assert.Equal(t, `acquisition 2 has no channel "Ir191"`, channelErr.Error())
}
