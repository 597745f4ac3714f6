package model

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Resource []map[string]interface{} `json:"resource"`
	Meta     *ResponseMeta            `json:"meta,omitempty"`
}

// ResponseMeta contains count information for list responses.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Reason  Reason                 `json:"reason,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}
