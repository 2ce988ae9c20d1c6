package errs

// Error codes grouped by taxonomy: 1xxx validation, 11xx not-found,
// 12xx storage/transport, 13xx session.
var (
	ErrArgs = NewCodeError(1001, "invalid argument")

	ErrDeviceNotFound   = NewCodeError(1101, "device not found")
	ErrIdentityNotFound = NewCodeError(1102, "identity key not found")
	ErrUserNotFound     = NewCodeError(1103, "user not found")

	ErrStorage = NewCodeError(1201, "storage unavailable")

	ErrTokenInvalid  = NewCodeError(1301, "token invalid")
	ErrNotAuthorized = NewCodeError(1302, "connection not authorized")
	ErrConnNotFound  = NewCodeError(1303, "connection not found")
	ErrBadState      = NewCodeError(1304, "operation not allowed in current state")
)
