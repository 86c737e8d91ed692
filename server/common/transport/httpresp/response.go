package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrInsufficientRole   = "insufficient permissions"
	ErrTenantNotFound     = "tenant not found"
	ErrTenantUnavailable  = "tenant configuration unavailable"
	ErrInvalidInternalKey = "invalid internal key"
	ErrFileNotFound       = "file not found"
	ErrScanStatusNotFound = "scan status not found"
	ErrScanRequestFailed  = "scan request could not be published"
	ErrTenantIDRequired   = "tenant_id is required"
	ErrInvalidRequestBody = "invalid request body"
	ErrInternal           = "internal error"
	ErrConsumersNotReady  = "consumers not ready"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewStatusResponse(status string) StatusResponse {
	return StatusResponse{Status: status}
}
