// Package peer implements the outbound delivery client used by the drain
// worker to push files to recipient servers.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeliveryStatus is the outcome of one delivery attempt at a recipient.
type DeliveryStatus int

const (
	// Delivered means the recipient accepted the file.
	Delivered DeliveryStatus = iota
	// AccessDenied means the recipient rejected the sender's identity.
	// Permanent: retrying without a policy change cannot succeed.
	AccessDenied
	// ServerError means the recipient failed internally. Transient.
	ServerError
	// NotResponding covers timeouts and connection failures. Transient.
	NotResponding
	// BadRequest means the recipient rejected the transfer itself. Permanent.
	BadRequest
)

// String returns the status name for logging.
func (s DeliveryStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case AccessDenied:
		return "access_denied"
	case ServerError:
		return "server_error"
	case NotResponding:
		return "not_responding"
	case BadRequest:
		return "bad_request"
	default:
		return fmt.Sprintf("delivery_status(%d)", int(s))
	}
}

// Deliverer attempts delivery of one file to one recipient. Implementations
// must honor the context deadline; an attempt that exceeds it reports
// NotResponding rather than blocking.
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, driveID, fileID uuid.UUID) (DeliveryStatus, error)
}

// deliverRequest is the body posted to the recipient's receive endpoint.
type deliverRequest struct {
	Sender  string `json:"sender"`
	DriveID string `json:"driveId"`
	FileID  string `json:"fileId"`
}

// HTTPDeliverer delivers over the recipient's transit HTTP API.
type HTTPDeliverer struct {
	sender string
	client *http.Client
	scheme string
	logger zerolog.Logger
}

// HTTPOption adjusts an HTTPDeliverer.
type HTTPOption func(*HTTPDeliverer)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDeliverer) { d.client = c }
}

// WithScheme overrides the https default; tests use plain http.
func WithScheme(scheme string) HTTPOption {
	return func(d *HTTPDeliverer) { d.scheme = scheme }
}

// NewHTTPDeliverer creates a delivery client identifying itself as sender.
func NewHTTPDeliverer(sender string, logger zerolog.Logger, opts ...HTTPOption) *HTTPDeliverer {
	d := &HTTPDeliverer{
		sender: sender,
		client: &http.Client{Timeout: 30 * time.Second},
		scheme: "https",
		logger: logger.With().Str("component", "deliverer").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver posts the transfer notification to the recipient and maps the
// response to a DeliveryStatus. Transport failures and timeouts map to
// NotResponding; the returned error carries the detail for logging.
func (d *HTTPDeliverer) Deliver(ctx context.Context, recipient string, driveID, fileID uuid.UUID) (DeliveryStatus, error) {
	body, err := json.Marshal(deliverRequest{
		Sender:  d.sender,
		DriveID: driveID.String(),
		FileID:  fileID.String(),
	})
	if err != nil {
		return BadRequest, fmt.Errorf("marshal delivery request: %w", err)
	}

	url := fmt.Sprintf("%s://%s/api/v1/transit/receive", d.scheme, recipient)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return BadRequest, fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return NotResponding, fmt.Errorf("deliver to %s: %w", recipient, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered, nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return AccessDenied, fmt.Errorf("recipient %s denied access (%d)", recipient, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return BadRequest, fmt.Errorf("recipient %s rejected request (%d)", recipient, resp.StatusCode)
	default:
		return ServerError, fmt.Errorf("recipient %s server error (%d)", recipient, resp.StatusCode)
	}
}
