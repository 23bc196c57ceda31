package types

import (
	"errors"
	"fmt"
)

// Command construction errors. Raised synchronously at dispatch.
var (
	ErrInvalidOperation  = errors.New("invalid entity operation")
	ErrInvalidEntityName = errors.New("entity name must not be empty")
	ErrMissingKey        = errors.New("entity key is missing")
	ErrInvalidData       = errors.New("invalid command data")
)

// Runtime errors.
var (
	ErrNoDataService = errors.New("no data service registered for entity")
	ErrBusClosed     = errors.New("command bus is closed")
	ErrNotFound      = errors.New("entity not found")
	ErrConflict      = errors.New("entity already exists")
	ErrUnknownEntity = errors.New("unknown entity name")
)

// HTTPMethod classifies a persistence call for error reporting.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodDelete HTTPMethod = "DELETE"
)

// RequestData describes the request that produced a DataServiceError.
type RequestData struct {
	Method HTTPMethod `json:"method"`
	URL    string     `json:"url"`
	Data   any        `json:"data,omitempty"`
}

// DataServiceError wraps a transport failure with the request that caused it.
// It carries no retry state.
type DataServiceError struct {
	Err     error        `json:"-"`
	Request *RequestData `json:"requestData,omitempty"`
	Message string       `json:"message"`
}

// NewDataServiceError wraps err with request context.
func NewDataServiceError(err error, req *RequestData) *DataServiceError {
	msg := "data service error"
	if err != nil {
		msg = err.Error()
	}
	return &DataServiceError{Err: err, Request: req, Message: msg}
}

func (e *DataServiceError) Error() string {
	if e.Request == nil {
		return e.Message
	}
	return fmt.Sprintf("%s %s: %s", e.Request.Method, e.Request.URL, e.Message)
}

func (e *DataServiceError) Unwrap() error { return e.Err }

// TransportError is a failure reported by a transport or storage layer,
// carrying an HTTP-style status.
type TransportError struct {
	Status int
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
