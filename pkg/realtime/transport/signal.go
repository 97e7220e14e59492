package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexushq/rectoc/pkg/core"
	"github.com/nexushq/rectoc/pkg/realtime/protocol"
)

// SignalingClient performs the single HTTP offer/answer exchange that
// completes WebRTC negotiation. There is no renegotiation path.
type SignalingClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewSignalingClient builds a client for the given endpoint and model.
func NewSignalingClient(baseURL, model string, httpClient *http.Client) *SignalingClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultConnectTimeout}
	}
	return &SignalingClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      strings.TrimSpace(model),
		httpClient: httpClient,
	}
}

// Exchange posts the local offer SDP and returns the remote answer SDP.
// Non-2xx responses and unreadable bodies surface as signaling errors.
func (c *SignalingClient) Exchange(ctx context.Context, token, offerSDP string) (string, error) {
	if strings.TrimSpace(offerSDP) == "" {
		return "", core.NewInvalidRequestError("offer sdp must not be empty")
	}

	endpoint := c.baseURL
	if c.model != "" {
		endpoint += "?model=" + url.QueryEscape(c.model)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", core.NewSignalingError("build signaling request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", protocol.SDPContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", core.NewSignalingError("post offer", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.NewSignalingError("read answer", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", core.NewSignalingError(
			fmt.Sprintf("signaling returned %d: %s", resp.StatusCode, truncateForLog(string(body), 200)), nil)
	}

	answer := strings.TrimSpace(string(body))
	if answer == "" || !strings.HasPrefix(answer, "v=") {
		return "", core.NewSignalingError("signaling returned a malformed answer", nil)
	}
	return answer, nil
}

func truncateForLog(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ConnectTimeout returns a context bounded by the negotiation guard timeout
// unless the caller already set a sooner deadline.
func ConnectTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
