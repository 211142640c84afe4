// Package protocol defines the messages exchanged between the webview shell
// and the control plane.
//
// Every request is a single JSON object POSTed to "/". The reply body
// depends on the method: "pong" for ping, a JSON array or {"stop":true} for
// poll, and nothing for the other methods.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Method identifies the operation to perform.
type Method string

const (
	// MethodPing checks that the control plane is up.
	MethodPing Method = "ping"
	// MethodInterface (re)starts monitoring on the given interface.
	MethodInterface Method = "interface"
	// MethodLimit applies the bandwidth limiter to a program.
	MethodLimit Method = "limit"
	// MethodPoll returns the programs observed so far.
	MethodPoll Method = "poll"
	// MethodStop shuts the monitor down.
	MethodStop Method = "stop"
)

// IsKnown returns true for the methods the control plane understands.
func (m Method) IsKnown() bool {
	switch m {
	case MethodPing, MethodInterface, MethodLimit, MethodPoll, MethodStop:
		return true
	}
	return false
}

const (
	// Pong is the body of a successful ping.
	Pong = "pong"
	// RequestIDHeader carries the correlation ID of a request and its reply.
	RequestIDHeader = "X-Request-ID"

	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"

	// maxRequestSize bounds a request body.
	maxRequestSize = 64 * 1024
)

var (
	// ErrMalformedRequest is returned for a body that is not a JSON request.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrInvalidParams is returned when a method is missing a parameter.
	ErrInvalidParams = errors.New("invalid parameters")
)

// Request is a control-plane call.
type Request struct {
	// Method is the operation to perform.
	Method Method `json:"method"`
	// Interface is the network interface for the interface method.
	Interface string `json:"interface,omitempty"`
	// App is the program name for the limit method.
	App string `json:"app,omitempty"`
}

// NewRequest creates a request without parameters.
func NewRequest(method Method) *Request {
	return &Request{Method: method}
}

// NewInterfaceRequest creates an interface request.
func NewInterfaceRequest(iface string) *Request {
	return &Request{Method: MethodInterface, Interface: iface}
}

// NewLimitRequest creates a limit request.
func NewLimitRequest(app string) *Request {
	return &Request{Method: MethodLimit, App: app}
}

// DecodeRequest reads one request from r.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(io.LimitReader(r, maxRequestSize)).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return &req, nil
}

// Validate checks the parameters required by the request's method.
// Unknown methods are not an error here.
func (r *Request) Validate() error {
	switch r.Method {
	case MethodInterface:
		if r.Interface == "" {
			return fmt.Errorf("%w: interface is required", ErrInvalidParams)
		}
	case MethodLimit:
		if r.App == "" {
			return fmt.Errorf("%w: app is required", ErrInvalidParams)
		}
	}
	return nil
}

// StopResult is the poll reply once the monitor has stopped.
type StopResult struct {
	Stop bool `json:"stop"`
}

// ErrorInfo contains details about an error.
type ErrorInfo struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Response is a reply ready to be written to an HTTP response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// NewPongResponse creates the reply to a ping.
func NewPongResponse() *Response {
	return &Response{
		Status:      http.StatusOK,
		ContentType: contentTypeText,
		Body:        []byte(Pong),
	}
}

// NewEmptyResponse creates a successful reply without a body.
func NewEmptyResponse() *Response {
	return &Response{Status: http.StatusOK}
}

// NewPollResponse creates the reply to a poll: the stop signal, or the
// program names as a JSON array.
func NewPollResponse(programs []string, stop bool) (*Response, error) {
	var body []byte
	var err error
	if stop {
		body, err = json.Marshal(StopResult{Stop: true})
	} else {
		if programs == nil {
			programs = []string{}
		}
		body, err = json.Marshal(programs)
	}
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:      http.StatusOK,
		ContentType: contentTypeJSON,
		Body:        body,
	}, nil
}

// NewErrorResponse creates an error reply.
func NewErrorResponse(status int, code string, message string) *Response {
	body, err := json.Marshal(ErrorInfo{Code: code, Message: message})
	if err != nil {
		body = []byte(`{"code":"` + ErrCodeInternalError + `"}`)
	}
	return &Response{
		Status:      status,
		ContentType: contentTypeJSON,
		Body:        body,
	}
}

// Write sends the response.
func (r *Response) Write(w http.ResponseWriter) error {
	if r.ContentType != "" {
		w.Header().Set("Content-Type", r.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.Status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// DecodePoll parses a poll reply body.
func DecodePoll(body []byte) (programs []string, stop bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty poll response")
	}

	if trimmed[0] == '{' {
		var result StopResult
		if err := json.Unmarshal(trimmed, &result); err != nil {
			return nil, false, fmt.Errorf("failed to decode poll response: %w", err)
		}
		if !result.Stop {
			return nil, false, errors.New("poll response object without stop")
		}
		return nil, true, nil
	}

	if err := json.Unmarshal(trimmed, &programs); err != nil {
		return nil, false, fmt.Errorf("failed to decode poll response: %w", err)
	}
	if programs == nil {
		programs = []string{}
	}
	return programs, false, nil
}

// DecodeError parses an error reply body.
func DecodeError(body []byte) (*ErrorInfo, error) {
	var info ErrorInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
