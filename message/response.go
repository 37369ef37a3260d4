package message

import "fmt"

// Response codes. 200 and 500 are the success/fail pair every service returns;
// the others narrow down why a call failed.
const (
	CodeSuccess         = 200
	CodeNotFound        = 404
	CodeTooManyRequests = 429
	CodeFail            = 500
	CodeUnavailable     = 503
	CodeTimeout         = 504
)

// Response is the result of one call. RequestID echoes the request's.
type Response struct {
	RequestID string
	Code      int
	Message   string
	Data      any // absent on failure
}

// Success builds a successful response.
func Success(data any, requestID string) *Response {
	return &Response{
		RequestID: requestID,
		Code:      CodeSuccess,
		Message:   "The remote call is successful",
		Data:      data,
	}
}

// Fail builds a failed response.
func Fail(requestID string, code int, msg string) *Response {
	return &Response{
		RequestID: requestID,
		Code:      code,
		Message:   msg,
	}
}

// OK reports whether the call succeeded.
func (r *Response) OK() bool {
	return r.Code == CodeSuccess
}

func (r *Response) String() string {
	return fmt.Sprintf("Response{id=%s code=%d message=%q}", r.RequestID, r.Code, r.Message)
}
