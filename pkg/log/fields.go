package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID   = "user_id"
	FieldClientID = "client_id"

	// Room
	FieldRoom     = "room"
	FieldGroup    = "group"
	FieldDriverID = "driver_id"
	FieldMsgType  = "msg_type"

	// Process
	FieldService    = "service"
	FieldInstanceID = "instance_id"
	FieldComponent  = "component"
)
