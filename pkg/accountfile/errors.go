package accountfile

import "errors"

// Error classes surfaced to callers. See spec.md §7 for the full
// classification; these are the ones raised directly by this package.
var (
	// ErrInvalidAccountFileLength indicates the file is shorter than the
	// length its owner (the file-map / manifest) declared for it.
	ErrInvalidAccountFileLength = errors.New("accountfile: invalid account file length")

	// ErrMalformedRecord indicates a record failed structural validation
	// (data length out of range, padded size inconsistent with the header,
	// or a record that would run past the file's declared length).
	ErrMalformedRecord = errors.New("accountfile: malformed record")

	// ErrOffsetNotOnBoundary indicates a requested read offset does not
	// land on a record boundary, or runs past the file's end.
	ErrOffsetNotOnBoundary = errors.New("accountfile: offset not on record boundary")
)
