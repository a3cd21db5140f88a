package seal

import "errors"

var (
	ErrMalformedHeader = errors.New("seal: malformed header line")
	ErrInvalidAddress  = errors.New("seal: invalid address")
	ErrMissingFrom     = errors.New("seal: from address is required")
	ErrNoRecipients    = errors.New("seal: at least one recipient is required")
	ErrBuilder         = errors.New("seal: mail builder errors")
)
