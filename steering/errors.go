package steering

import "github.com/pkg/errors"

var (
	// ErrAddressInUse is returned when an address is already configured
	// at a different table index.
	ErrAddressInUse = errors.New("steering: address already in use")

	// ErrAlreadyActive is returned when a mode that is already enabled
	// is enabled again, or the device is started twice.
	ErrAlreadyActive = errors.New("steering: already active")

	// ErrOutOfRange is returned for table indices or sizes the device
	// cannot accommodate.
	ErrOutOfRange = errors.New("steering: out of range")

	// ErrInvalidAddress is returned for addresses that may never occupy
	// an address table slot, such as the broadcast address.
	ErrInvalidAddress = errors.New("steering: invalid address")

	// ErrInvalidArgument is returned for malformed requests, and for
	// hardware rejections that carry no reason of their own.
	ErrInvalidArgument = errors.New("steering: invalid argument")
)
