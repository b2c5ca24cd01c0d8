package contracts

// ErrorCode is the closed failure taxonomy. Every pipeline failure maps to
// exactly one code.
type ErrorCode string

// Pipeline error codes.
const (
	ErrInvalidInput   ErrorCode = "invalid_input"
	ErrNotApproved    ErrorCode = "not_approved"
	ErrTampered       ErrorCode = "tampered"
	ErrPathViolation  ErrorCode = "path_violation"
	ErrStaleUpdate    ErrorCode = "stale_update"
	ErrApplyFailed    ErrorCode = "apply_failed"
	ErrVerifyFailed   ErrorCode = "verify_failed"
	ErrHealthFailed   ErrorCode = "health_failed"
	ErrTimeout        ErrorCode = "timeout"
	ErrRollbackFailed ErrorCode = "rollback_failed"
	ErrInternal       ErrorCode = "internal"
)

// Health and verification check error codes. Closed so reflection can
// aggregate them.
const (
	CheckHTTPNon200      ErrorCode = "http_non_200"
	CheckTimeout         ErrorCode = "timeout"
	CheckConnectRefused  ErrorCode = "connect_refused"
	CheckProcessMissing  ErrorCode = "process_missing"
	CheckCommandNonzero  ErrorCode = "command_nonzero"
	CheckDBUnreachable   ErrorCode = "db_unreachable"
	CheckFileMissing     ErrorCode = "file_missing"
)
