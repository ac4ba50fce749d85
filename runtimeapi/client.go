// Package runtimeapi is a client for the AWS Lambda Runtime API, the HTTP
// protocol a custom runtime uses to fetch invocations and report outcomes.
//
// The client covers the four operations a runtime needs:
//   - GET  /runtime/invocation/next
//   - POST /runtime/invocation/{id}/response
//   - POST /runtime/invocation/{id}/error
//   - POST /runtime/init/error
//
// Nothing is retried. Callers decide what a failed call means.
package runtimeapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// runtimeAPIPrefix is the versioned path prefix of the Runtime API.
const runtimeAPIPrefix = "/2018-06-01/runtime"

const (
	// headerAWSRequestID contains the unique request identifier for each invocation.
	// Example: "8476a536-e9f4-11e8-9739-2dfe598c3fcd"
	headerAWSRequestID = "Lambda-Runtime-Aws-Request-Id"

	// headerDeadlineMS contains the invocation deadline in Unix milliseconds.
	// Example: "1542409706888"
	headerDeadlineMS = "Lambda-Runtime-Deadline-Ms"

	// headerTraceID contains the AWS X-Ray tracing header.
	headerTraceID = "Lambda-Runtime-Trace-Id"

	// headerInvokedFunctionARN contains the ARN of the invoked function.
	// Example: "arn:aws:lambda:us-east-2:123456789012:function:my-function"
	headerInvokedFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"

	// headerFunctionErrorType is sent with error reports so the host can
	// categorise the failure without parsing the body.
	headerFunctionErrorType = "Lambda-Runtime-Function-Error-Type"
)

// Exported header names, for servers that speak the same protocol.
const (
	HeaderRequestID          = headerAWSRequestID
	HeaderDeadlineMS         = headerDeadlineMS
	HeaderTraceID            = headerTraceID
	HeaderInvokedFunctionARN = headerInvokedFunctionARN
	HeaderFunctionErrorType  = headerFunctionErrorType
)

// Prefix is the path prefix every Runtime API route lives under.
const Prefix = runtimeAPIPrefix

// maxPayload caps how much of a /next body is buffered up front.
const maxPayload = 10 << 20

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// RuntimeAPI is the subset of the Runtime API a runtime loop depends on.
type RuntimeAPI interface {
	// Next blocks until the host hands out an invocation. There is no
	// client-side timeout; ctx is the only way to abandon the wait.
	Next(ctx context.Context) (*Invocation, error)

	// Response reports a successful result for requestID.
	Response(ctx context.Context, requestID string, payload []byte) error

	// Error reports a failed invocation for requestID.
	Error(ctx context.Context, requestID string, e ErrorResponse) error

	// InitError reports that the runtime could not initialize.
	InitError(ctx context.Context, e ErrorResponse) error
}

// ErrorResponse is the body of every error report.
type ErrorResponse struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// lambdaTransport is tuned for the loopback endpoint the host exposes:
// no proxy, no compression, HTTP/1.1 only, and connections kept for reuse
// between GET /next and the following POST.
var lambdaTransport = &http.Transport{
	Proxy:               nil,
	MaxIdleConns:        16,
	MaxIdleConnsPerHost: 16,
	IdleConnTimeout:     120 * time.Second,
	DisableCompression:  true,
	ForceAttemptHTTP2:   false,
	DialContext: (&net.Dialer{
		Timeout:   1 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ExpectContinueTimeout: 0,
}

// Client implements RuntimeAPI over HTTP.
type Client struct {
	baseURL string

	nextURL    string
	initErrURL string
	invoPrefix string

	// nextClient has no timeout: /next is a long poll.
	nextClient *http.Client
	postClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient makes every call go through hc. Mostly useful in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.nextClient = hc
		c.postClient = hc
	}
}

// WithPostTimeout bounds how long a response or error report may take.
func WithPostTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.postClient = &http.Client{Transport: c.postClient.Transport, Timeout: d}
	}
}

// NewClient returns a Client for the Runtime API listening on host, the
// value of AWS_LAMBDA_RUNTIME_API (for example "127.0.0.1:9001").
func NewClient(host string, opts ...Option) (*Client, error) {
	host = strings.TrimPrefix(strings.TrimSpace(host), "http://")
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return nil, errors.New("runtime API address is empty")
	}

	baseURL := "http://" + host + runtimeAPIPrefix
	c := &Client{
		baseURL:    baseURL,
		nextURL:    baseURL + "/invocation/next",
		initErrURL: baseURL + "/init/error",
		invoPrefix: baseURL + "/invocation/",
		nextClient: &http.Client{Transport: lambdaTransport, Timeout: 0},
		postClient: &http.Client{Transport: lambdaTransport, Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Invocation is one event handed out by GET /invocation/next.
type Invocation struct {
	// RequestID identifies the invocation and selects the endpoints its
	// outcome is reported to.
	RequestID string

	// InvokedFunctionArn is the ARN used to invoke the function.
	InvokedFunctionArn string

	// Deadline is when the host will stop waiting for this invocation.
	Deadline time.Time

	// TraceID is the X-Ray trace header, if tracing is active.
	TraceID string

	// Payload is the raw event body.
	Payload []byte

	// Headers keeps every header of the /next response.
	Headers http.Header
}

// drainAndClose reads the rest of b so the connection can be reused.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.Copy(io.Discard, b)
	_ = b.Close()
}

// parseDeadline converts the Unix-millisecond deadline header to a time.
// A missing or malformed header yields the zero time.
func parseDeadline(h http.Header) time.Time {
	if msStr := h.Get(headerDeadlineMS); msStr != "" {
		if ms, err := strconv.ParseInt(msStr, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

func parseInvocation(resp *http.Response) (*Invocation, error) {
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("invocation/next failed: %s: %s", resp.Status, string(body))
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 && resp.ContentLength <= maxPayload {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read invocation payload: %w", err)
	}

	h := resp.Header
	inv := &Invocation{
		RequestID:          h.Get(headerAWSRequestID),
		InvokedFunctionArn: h.Get(headerInvokedFunctionARN),
		Deadline:           parseDeadline(h),
		TraceID:            h.Get(headerTraceID),
		Payload:            buf.Bytes(),
		Headers:            h.Clone(),
	}
	if inv.RequestID == "" {
		return nil, fmt.Errorf("invocation/next response has no %s header", headerAWSRequestID)
	}
	return inv, nil
}

// Next retrieves the next invocation. It blocks until the host has one,
// ctx is cancelled, or the transport fails.
func (c *Client) Next(ctx context.Context) (*Invocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nextURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.nextClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get next invocation: %w", err)
	}

	return parseInvocation(resp)
}

// Response posts payload as the result of requestID. The payload is sent
// as-is; the caller decides whether it is JSON or plain text.
func (c *Client) Response(ctx context.Context, requestID string, payload []byte) error {
	if requestID == "" {
		return errors.New("requestID cannot be empty")
	}
	return c.postCommon(ctx, c.invoPrefix+requestID+"/response", payload, nil)
}

// Error posts e as the failure of requestID.
func (c *Client) Error(ctx context.Context, requestID string, e ErrorResponse) error {
	if requestID == "" {
		return errors.New("requestID cannot be empty")
	}
	body, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode error report: %w", err)
	}
	return c.postCommon(ctx, c.invoPrefix+requestID+"/error", body, errorTypeHeader(e))
}

// InitError posts e to /init/error. The host tears the runtime down
// afterwards, so this is the last call a failing runtime makes.
func (c *Client) InitError(ctx context.Context, e ErrorResponse) error {
	body, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode init error: %w", err)
	}
	return c.postCommon(ctx, c.initErrURL, body, errorTypeHeader(e))
}

func errorTypeHeader(e ErrorResponse) http.Header {
	if e.ErrorType == "" {
		return nil
	}
	return http.Header{headerFunctionErrorType: []string{e.ErrorType}}
}

// postCommon sends body with an explicit Content-Length so the host never
// sees chunked encoding, and treats any status >= 300 as a failure.
func (c *Client) postCommon(ctx context.Context, url string, body []byte, extra http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.ContentLength = int64(len(body))

	resp, err := c.postClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s failed: %s: %s", url, resp.Status, string(b))
	}
	return nil
}

var _ RuntimeAPI = (*Client)(nil)
