package logging

// 構造化ログのフィールド名。
const (
	FieldComponent = "component"
	FieldService   = "service"

	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldBytes     = "bytes"
	FieldBody      = "body"
	FieldClient    = "client"
	FieldRoute     = "route"
	FieldTarget    = "target"
	FieldReason    = "reason"
	FieldCause     = "cause"
	FieldTimeoutMs = "timeout_ms"
	FieldElapsedMs = "elapsed_ms"
	FieldPolicy    = "policy"
	FieldCount     = "count"
	FieldLimit     = "limit"

	FieldUserID = "user_id"
	FieldConnID = "conn_id"
	FieldAddr   = "addr"
)
