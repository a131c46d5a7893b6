package gridsense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	DEFAULT_PORT            = 3000
	DEFAULT_REQUEST_TIMEOUT = 15 * time.Second
	DEVICES_PATH            = "/api/v1/devices"
)

var (
	ErrTimeout           = errors.New("gateway timeout")
	ErrCommunication     = errors.New("gateway communication error")
	ErrInvalidJSON       = errors.New("invalid json")
	ErrUnexpectedPayload = errors.New("unexpected payload")
)

// UpdateFailed is returned by FetchDevices. It matches one of the Err*
// kinds with errors.Is and also unwraps to the underlying cause.
type UpdateFailed struct {
	msg   string
	kind  error
	cause error
}

func (e *UpdateFailed) Error() string {
	return e.msg
}

func (e *UpdateFailed) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

type Client struct {
	httpClient *http.Client
	port       uint
	timeout    time.Duration
	logger     *zap.Logger
}

func NewClient(port uint, timeout time.Duration, logger *zap.Logger) *Client {
	if port == 0 {
		port = DEFAULT_PORT
	}
	if timeout <= 0 {
		timeout = DEFAULT_REQUEST_TIMEOUT
	}
	return &Client{
		httpClient: &http.Client{},
		port:       port,
		timeout:    timeout,
		logger:     logger.With(zap.String("component", "gridsense_client")),
	}
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// DevicesURL builds the devices endpoint for host. IPv6 literals are bracketed.
func (c *Client) DevicesURL(host string) string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.FormatUint(uint64(c.port), 10)), DEVICES_PATH)
}

// FetchDevices reads the current device tree from the gateway at host.
func (c *Client) FetchDevices(ctx context.Context, host string) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.DevicesURL(host)
	c.logger.Debug("fetch devices", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, communicationError(host, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &UpdateFailed{
				msg:   fmt.Sprintf("GridSense Gateway at %s timed out", host),
				kind:  ErrTimeout,
				cause: err,
			}
		}
		return nil, communicationError(host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, communicationError(host, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &UpdateFailed{
				msg:   fmt.Sprintf("GridSense Gateway at %s timed out", host),
				kind:  ErrTimeout,
				cause: err,
			}
		}
		return nil, communicationError(host, err)
	}

	return DecodePayload(body)
}

// DecodePayload parses and sanitizes a devices response body.
func DecodePayload(body []byte) (Payload, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &UpdateFailed{
			msg:   "Invalid JSON response from GridSense Gateway",
			kind:  ErrInvalidJSON,
			cause: err,
		}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &UpdateFailed{
			msg:  "Unexpected payload from GridSense Gateway",
			kind: ErrUnexpectedPayload,
		}
	}
	return Payload(Sanitize(obj).(map[string]any)), nil
}

func communicationError(host string, cause error) error {
	return &UpdateFailed{
		msg:   fmt.Sprintf("Error communicating with GridSense Gateway at %s", host),
		kind:  ErrCommunication,
		cause: cause,
	}
}
