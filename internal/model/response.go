package model

// KeyListResponse is the envelope for key listing endpoints.
type KeyListResponse struct {
	Keys  []APIKey `json:"keys"`
	Total int      `json:"total"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}
