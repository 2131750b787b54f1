package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/metrics"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// ErrVersionMismatch is returned when the control plane requires a newer
// endpoint than the one running. It is fatal: the caller should abort
// startup with the dedicated exit code rather than retry.
var ErrVersionMismatch = errors.New("registration: endpoint version is older than the control plane's min_ep_version")

// maxElapsed bounds how long Register retries a transient control-plane
// failure before surfacing it as a startup error.
const maxElapsed = 2 * time.Minute

// VersionInfo is the response body of GET /version.
type VersionInfo struct {
	API          string `json:"api"`
	MinEPVersion string `json:"min_ep_version"`
	MinSDKVersion string `json:"min_sdk_version"`
}

// Client performs the registration handshake against the control plane's
// HTTP API.
type Client struct {
	http           *resty.Client
	endpointVersion string
	logger         zerolog.Logger
}

// NewClient builds a registration client against baseURL. endpointVersion
// is this build's version string, compared against the control plane's
// reported min_ep_version.
//
// The source this behavior is distilled from runs its version check both
// here, at construction, and again inside Register; that produces two
// GET /version calls per startup. Deduplicating is safe but the duplicate
// is preserved deliberately rather than silently dropped.
func NewClient(baseURL, endpointVersion string) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		endpointVersion: endpointVersion,
		logger:          log.WithComponent("registration"),
	}

	if _, err := c.CheckVersion(context.Background()); err != nil {
		c.logger.Warn().Err(err).Msg("version check at client construction failed, will retry during registration")
	}

	return c
}

// CheckVersion fetches GET /version and returns ErrVersionMismatch if this
// endpoint is older than the control plane's min_ep_version.
func (c *Client) CheckVersion(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	resp, err := c.http.R().SetContext(ctx).SetResult(&info).Get("/version")
	if err != nil {
		return info, fmt.Errorf("registration: GET /version: %w", err)
	}
	if resp.IsError() {
		return info, fmt.Errorf("registration: GET /version returned %s", resp.Status())
	}

	if info.MinEPVersion != "" && isOlder(c.endpointVersion, info.MinEPVersion) {
		return info, fmt.Errorf("%w: running %s, control plane requires >= %s", ErrVersionMismatch, c.endpointVersion, info.MinEPVersion)
	}
	return info, nil
}

type registerRequest struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
	Version  string            `json:"version"`
}

type registerResponse struct {
	Broker      types.BrokerParams     `json:"broker"`
	TaskQueue   types.QueueCoordinates `json:"task_queue"`
	ResultQueue types.QueueCoordinates `json:"result_queue"`
}

// Register performs POST /endpoints/{id}, retrying transient (5xx/network)
// failures with bounded backoff. A version mismatch is not retried: it
// aborts immediately with ErrVersionMismatch.
func (c *Client) Register(ctx context.Context, endpointID uuid.UUID, name string, metadata map[string]string) (types.Registration, error) {
	if _, err := c.CheckVersion(ctx); err != nil {
		return types.Registration{}, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RegistrationDuration)

	var reg types.Registration

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxElapsed

	attempt := func() error {
		var resp registerResponse
		httpResp, err := c.http.R().
			SetContext(ctx).
			SetBody(registerRequest{Name: name, Metadata: metadata, Version: c.endpointVersion}).
			SetResult(&resp).
			Post(fmt.Sprintf("/endpoints/%s", endpointID))
		if err != nil {
			metrics.RegistrationRetriesTotal.Inc()
			return fmt.Errorf("registration: POST /endpoints/%s: %w", endpointID, err)
		}
		if httpResp.StatusCode() >= 500 {
			metrics.RegistrationRetriesTotal.Inc()
			return fmt.Errorf("registration: POST /endpoints/%s returned %s", endpointID, httpResp.Status())
		}
		if httpResp.IsError() {
			return backoff.Permanent(fmt.Errorf("registration: POST /endpoints/%s returned %s", endpointID, httpResp.Status()))
		}

		reg = types.Registration{
			EndpointID:  endpointID,
			Broker:      resp.Broker,
			TaskQueue:   resp.TaskQueue,
			ResultQueue: resp.ResultQueue,
			IssuedAt:    time.Now(),
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("wait", wait).Msg("registration attempt failed, retrying")
	}

	if err := backoff.RetryNotify(attempt, b, notify); err != nil {
		return types.Registration{}, err
	}

	return reg, nil
}

// isOlder does a lightweight dotted-version comparison; both inputs are
// expected to be well-formed major.minor.patch strings.
func isOlder(have, want string) bool {
	haveParts := splitVersion(have)
	wantParts := splitVersion(want)

	for i := 0; i < 3; i++ {
		if haveParts[i] != wantParts[i] {
			return haveParts[i] < wantParts[i]
		}
	}
	return false
}

func splitVersion(v string) [3]int {
	var parts [3]int
	var idx, cur int
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == '.' {
			if idx < 3 {
				parts[idx] = cur
			}
			idx++
			cur = 0
			continue
		}
		if v[i] >= '0' && v[i] <= '9' {
			cur = cur*10 + int(v[i]-'0')
		}
	}
	return parts
}
