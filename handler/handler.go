// Package handler exposes the relay endpoints to API Gateway (Lambda proxy
// events) and to net/http.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"wa-inbox/internal/usecase"
)

const (
	PathSendMessage   = "/api/send-message"
	PathMessages      = "/api/messages"
	PathTriggerUpdate = "/api/trigger-update"

	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10
)

type Sender interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
}

type Lister interface {
	List(ctx context.Context) ([]usecase.MessageView, error)
}

type Handler struct {
	send   Sender
	list   Lister
	logger *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(send Sender, list Lister, opts ...Option) (*Handler, error) {
	if send == nil {
		return nil, errors.New("handler: sender must not be nil")
	}
	if list == nil {
		return nil, errors.New("handler: lister must not be nil")
	}
	h := &Handler{send: send, list: list, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type sendRequest struct {
	To      looseString `json:"to"`
	Message looseString `json:"message"`
}

// looseString accepts a JSON string or number. Web clients often post
// phone numbers unquoted.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*s = looseString(num.String())
	return nil
}

type sendResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

type triggerRequest struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

type triggerResponse struct {
	Success   bool            `json:"success"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// request is the transport-neutral view of an incoming call.
type request struct {
	method  string
	path    string
	headers map[string]string
	body    string
}

type response struct {
	status  int
	headers map[string]string
	body    string
}

// Handle serves an API Gateway proxy event.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := event.Body
	if event.IsBase64Encoded {
		decoded, err := decodeBase64(body)
		if err != nil {
			resp := h.errorResult(correlationID(event.Headers), http.StatusBadRequest, string(usecase.ErrorValidation), "invalid_body_encoding")
			return toProxyResponse(resp), nil
		}
		body = decoded
	}
	resp := h.serve(ctx, request{
		method:  event.HTTPMethod,
		path:    event.Path,
		headers: event.Headers,
		body:    body,
	})
	return toProxyResponse(resp), nil
}

func (h *Handler) serve(ctx context.Context, req request) response {
	corrID := correlationID(req.headers)
	logger := h.logger.With("correlation_id", corrID, "method", req.method, "path", req.path)

	if req.method == http.MethodOptions {
		return response{status: http.StatusNoContent, headers: baseHeaders(corrID)}
	}

	switch routeOf(req.path) {
	case PathSendMessage:
		if req.method != http.MethodPost {
			return h.methodNotAllowed(corrID, http.MethodPost)
		}
		return h.sendMessage(ctx, logger, corrID, req.body)
	case PathMessages:
		if req.method != http.MethodGet {
			return h.methodNotAllowed(corrID, http.MethodGet)
		}
		return h.messages(ctx, logger, corrID)
	case PathTriggerUpdate:
		if req.method != http.MethodPost {
			return h.methodNotAllowed(corrID, http.MethodPost)
		}
		return h.triggerUpdate(logger, corrID, req.body)
	default:
		return h.errorResult(corrID, http.StatusNotFound, "NOT_FOUND", "unknown_route")
	}
}

func (h *Handler) sendMessage(ctx context.Context, logger *slog.Logger, corrID, body string) response {
	var in sendRequest
	if err := decodeJSON(body, &in); err != nil {
		logger.WarnContext(ctx, "invalid send body", "err", err)
		return h.errorResult(corrID, http.StatusBadRequest, string(usecase.ErrorValidation), "invalid_json")
	}

	out, err := h.send.Send(ctx, usecase.SendInput{To: string(in.To), Message: string(in.Message)})
	if err != nil {
		return h.usecaseError(ctx, logger, corrID, err)
	}
	result := out.Result
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return h.jsonResult(corrID, http.StatusOK, sendResponse{Success: true, Result: result})
}

func (h *Handler) messages(ctx context.Context, logger *slog.Logger, corrID string) response {
	views, err := h.list.List(ctx)
	if err != nil {
		return h.usecaseError(ctx, logger, corrID, err)
	}
	return h.jsonResult(corrID, http.StatusOK, views)
}

func (h *Handler) triggerUpdate(logger *slog.Logger, corrID, body string) response {
	var in triggerRequest
	if strings.TrimSpace(body) != "" {
		if err := decodeJSON(body, &in); err != nil {
			return h.errorResult(corrID, http.StatusBadRequest, string(usecase.ErrorValidation), "invalid_json")
		}
	}
	logger.Info("update triggered", "timestamp", string(in.Timestamp))
	return h.jsonResult(corrID, http.StatusOK, triggerResponse{Success: true, Timestamp: in.Timestamp})
}

func (h *Handler) usecaseError(ctx context.Context, logger *slog.Logger, corrID string, err error) response {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.ErrorContext(ctx, "unexpected error", "err", err)
		return h.errorResult(corrID, http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected")
	}

	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.WarnContext(ctx, "request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return h.errorResult(corrID, status, string(ucErr.Code), ucErr.Reason)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) methodNotAllowed(corrID, allow string) response {
	resp := h.errorResult(corrID, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method_not_allowed")
	resp.headers["Allow"] = allow
	return resp
}

func (h *Handler) errorResult(corrID string, status int, code, reason string) response {
	return h.jsonResult(corrID, status, errorResponse{Error: code, Reason: reason})
}

func (h *Handler) jsonResult(corrID string, status int, payload any) response {
	headers := baseHeaders(corrID)
	headers["Content-Type"] = "application/json"
	buf, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encode response", "err", err, "correlation_id", corrID)
		return response{
			status:  http.StatusInternalServerError,
			headers: headers,
			body:    `{"error":"INTERNAL_ERROR","reason":"encode_response"}`,
		}
	}
	return response{status: status, headers: headers, body: string(buf)}
}

func baseHeaders(corrID string) map[string]string {
	return map[string]string{
		correlationHeader:              corrID,
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Content-Type, " + correlationHeader,
		"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
	}
}

func toProxyResponse(r response) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: r.status, Headers: r.headers, Body: r.body}
}

// routeOf strips API Gateway stage prefixes and trailing slashes.
func routeOf(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.Index(p, "/api/"); i > 0 {
		p = p[i:]
	}
	return p
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func decodeBase64(body string) (string, error) {
	buf, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func decodeJSON(body string, v any) error {
	if len(body) > maxBodyBytes {
		return errors.New("body too large")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}
