package common

// OpenMCDVersion equals the current (or aimed for) version of the software.
// It is written into `.dcm` cache headers as the producer version.
const OpenMCDVersion = "0.1"

// CacheFormatVersion is the semantic version of the `.dcm` cache layout.
// Caches whose major version differs are rebuilt rather than read.
const CacheFormatVersion = "2.0.0"

// CacheExtension is the extension given to fast-access cache files, which sit beside their source
const CacheExtension = ".dcm"

// SourceExtension is the extension of IMC container files
const SourceExtension = ".mcd"
