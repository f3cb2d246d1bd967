package platform

import "errors"

// Error kinds shared by the monitors. Wrap them with fmt.Errorf("%w: ...")
// and test with errors.Is.
var (
	ErrMap              = errors.New("map error")
	ErrAlloc            = errors.New("alloc error")
	ErrTask             = errors.New("task error")
	ErrWatch            = errors.New("watch error")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("not supported by host")
)
