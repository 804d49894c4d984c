package openmcd

import (
	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/dcm"
	"github.com/b71729/openmcd/spectrum"
)

// Error types returned by this package; use `errors.As` to inspect them
type (
	FormatError         = core.FormatError
	MetadataError       = core.MetadataError
	InvalidChannelError = core.InvalidChannelError
	CacheIOError        = core.CacheIOError
)

// ErrStale is wrapped by cache errors when a `.dcm` file no longer matches its container
var ErrStale = dcm.ErrStale

// ErrOutOfBounds is wrapped by errors for pixels or regions outside an acquisition
var ErrOutOfBounds = spectrum.ErrOutOfBounds
