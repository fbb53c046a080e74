package models

import "errors"

// Error taxonomy shared by the pipeline packages. Wrap with fmt.Errorf("%w") and
// test with errors.Is.
var (
	ErrNoDataAvailable  = errors.New("no data available")
	ErrDecodeFailure    = errors.New("decode failure")
	ErrTransportFailure = errors.New("transport failure")
	ErrGeometryFailure  = errors.New("geometry failure")
	ErrInvalidParameter = errors.New("invalid parameter")
)
