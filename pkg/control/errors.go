package control

// Error is a typed control-channel failure. The Name travels on the wire so
// clients can match on it without parsing message text.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrInvalidArguments        = &Error{"InvalidArguments", "invalid arguments"}
	ErrDiscoveryInProgress     = &Error{"DiscoveryInProgress", "discovery in progress"}
	ErrBondingInProgress       = &Error{"BondingInProgress", "bonding in progress"}
	ErrConnectionAttemptFailed = &Error{"ConnectionAttemptFailed", "connection attempt failed"}
	ErrNotInProgress           = &Error{"NotInProgress", "audit not in progress"}
	ErrNotAuthorized           = &Error{"NotAuthorized", "not authorized"}
	ErrUnknownMethod           = &Error{"UnknownMethod", "unknown method"}
	ErrFailed                  = &Error{"Failed", "internal error"}
)

// ErrorInfo is the wire form of an Error.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func errorInfo(err error) *ErrorInfo {
	if e, ok := err.(*Error); ok {
		return &ErrorInfo{Name: e.Name, Message: e.Message}
	}
	return &ErrorInfo{Name: "Failed", Message: err.Error()}
}

// AsError converts a wire ErrorInfo back into the typed form.
func (ei *ErrorInfo) AsError() error {
	return &Error{Name: ei.Name, Message: ei.Message}
}
