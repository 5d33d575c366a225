package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OutcomeStatus is the tri-state result of a delivery call.
type OutcomeStatus int

const (
	StatusDelivered OutcomeStatus = iota
	StatusRejected
	StatusTransient
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Outcome is what every delivery call returns. Expected failures are carried
// here as values; the client never propagates them as errors.
type Outcome struct {
	Status OutcomeStatus
	// Reason is set for rejections: the server's error message, or the HTTP
	// status code when the body is not parseable.
	Reason string
	// Code is the HTTP status code for rejections, 0 otherwise.
	Code int
	// Err is the transport error for transient failures.
	Err error
}

func (o Outcome) IsDelivered() bool { return o.Status == StatusDelivered }

// Describe renders the failure side of an outcome for logs and queue rows.
func (o Outcome) Describe() string {
	switch o.Status {
	case StatusDelivered:
		return "delivered"
	case StatusRejected:
		return fmt.Sprintf("rejected (%d): %s", o.Code, o.Reason)
	default:
		return fmt.Sprintf("transient: %v", o.Err)
	}
}

func DeliveredOutcome() Outcome {
	return Outcome{Status: StatusDelivered}
}

func RejectedOutcome(code int, reason string) Outcome {
	return Outcome{Status: StatusRejected, Code: code, Reason: reason}
}

func TransientOutcome(err error) Outcome {
	return Outcome{Status: StatusTransient, Err: err}
}

// Deliverer sends one event to the backend and pings it for liveness.
// Implementations must return failures as outcomes, never panic or escalate.
type Deliverer interface {
	Send(ctx context.Context, ev Event, accessToken string) Outcome
	Ping(ctx context.Context, accessToken string) Outcome
}

// DeviceDescriptor is the registration payload for the one-shot connect call.
type DeviceDescriptor struct {
	DeviceID     string `json:"android_id"`
	Model        string `json:"device_model"`
	OSVersion    string `json:"android_version"`
	Manufacturer string `json:"manufacturer"`
	Brand        string `json:"brand"`
}

const (
	smsPath     = "/app/sms"
	pingPath    = "/app/device/ping"
	connectPath = "/app/device/connect"
)

// ApiClient talks HTTP/JSON to the collection backend.
type ApiClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewApiClient(baseURL string, timeout time.Duration, log *zap.SugaredLogger) *ApiClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ApiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

type sendPayload struct {
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// Send posts one event. 2xx is delivered, non-2xx is rejected with the parsed
// error body, any transport fault is a transient failure.
func (c *ApiClient) Send(ctx context.Context, ev Event, accessToken string) Outcome {
	body, err := json.Marshal(sendPayload{
		Sender:    ev.Sender,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
		Type:      string(ev.Kind),
	})
	if err != nil {
		return TransientOutcome(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+smsPath, bytes.NewReader(body))
	if err != nil {
		return TransientOutcome(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Access-Token", accessToken)
	req.Header.Set("Idempotency-Key", ev.IdempotencyKey)
	return c.do(req)
}

// Ping probes the backend for liveness. Same tri-state contract, empty payload.
func (c *ApiClient) Ping(ctx context.Context, accessToken string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pingPath, nil)
	if err != nil {
		return TransientOutcome(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Access-Token", accessToken)
	return c.do(req)
}

// Connect registers the device. Used by the settings flow, not the delivery
// core; the rejection reason is shown to the user as-is.
func (c *ApiClient) Connect(ctx context.Context, accessToken string, dev DeviceDescriptor) Outcome {
	body, err := json.Marshal(dev)
	if err != nil {
		return TransientOutcome(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+connectPath, bytes.NewReader(body))
	if err != nil {
		return TransientOutcome(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Access-Token", accessToken)
	return c.do(req)
}

func (c *ApiClient) do(req *http.Request) Outcome {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TransientOutcome(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return DeliveredOutcome()
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return RejectedOutcome(resp.StatusCode, errorMessage(body, resp.StatusCode))
}

// errorMessage pulls {message} out of an error body, falling back to the
// status code when the body is not parseable.
func errorMessage(body []byte, code int) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return strconv.Itoa(code)
}
