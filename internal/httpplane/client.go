package httpplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"lansend/internal/wire"
)

// Per-endpoint timeout tiers from spec.md §4.5: connect/info is cheapest,
// /send is a long-lived upload that must not time out on large files.
const (
	infoTimeout        = 10 * time.Second
	registerTimeoutDur = 5 * time.Second
	sendRequestTimeout = 15 * time.Second
	sendTimeout        = 30 * time.Minute
)

// Client is the HttpPlane client side: a small pool of *http.Client
// instances, one per endpoint class, each with its own timeout. New
// relative to the teacher, which had no HTTP client at all (its data plane
// was QUIC); grounded on the timeout table in spec.md §4.5.
type Client struct {
	info        *http.Client
	register    *http.Client
	sendRequest *http.Client
	send        *http.Client
}

// NewClient builds a Client with the spec.md §4.5 timeout tiers.
func NewClient() *Client {
	return &Client{
		info:        &http.Client{Timeout: infoTimeout},
		register:    &http.Client{Timeout: registerTimeoutDur},
		sendRequest: &http.Client{Timeout: sendRequestTimeout},
		send:        &http.Client{Timeout: sendTimeout},
	}
}

// FetchInfo performs GET /info against a peer, returning its self-reported
// DeviceInfo.
func (c *Client) FetchInfo(ctx context.Context, baseURL string) (wire.DeviceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+BasePath+"/info", nil)
	if err != nil {
		return wire.DeviceInfo{}, err
	}
	resp, err := c.info.Do(req)
	if err != nil {
		return wire.DeviceInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wire.DeviceInfo{}, decodeErrorBody(resp)
	}
	var info wire.DeviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return wire.DeviceInfo{}, err
	}
	return info, nil
}

// Register performs POST /register against a peer, announcing self.
func (c *Client) Register(ctx context.Context, baseURL string, self wire.DeviceInfo) error {
	body, err := json.Marshal(self)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+BasePath+"/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.register.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeErrorBody(resp)
	}
	return nil
}

// RequestSend performs POST /send-request against a peer, returning the
// minted sessionId on acceptance.
func (c *Client) RequestSend(ctx context.Context, baseURL string, offer wire.TransferOffer) (sessionID string, accepted bool, err error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return "", false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+BasePath+"/send-request", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.sendRequest.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var accept wire.SendRequestAccepted
		if err := json.NewDecoder(resp.Body).Decode(&accept); err != nil {
			return "", false, err
		}
		return accept.SessionID, true, nil
	case http.StatusForbidden:
		return "", false, nil
	default:
		return "", false, decodeErrorBody(resp)
	}
}

// SendFile performs POST /send, streaming path's contents to the peer
// under sessionID/fileID. When showProgress is true the upload is wrapped
// in a schollz/progressbar/v3 bar, matching the teacher's declared but
// never-wired progress dependency.
func (c *Client) SendFile(ctx context.Context, baseURL, sessionID, fileID, path string, size int64, showProgress bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body io.Reader = f
	if showProgress {
		bar := progressbar.DefaultBytes(size, fmt.Sprintf("sending %s", fileID))
		body = io.TeeReader(f, bar)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+BasePath+"/send", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Session-ID", sessionID)
	req.Header.Set("X-File-ID", fileID)
	req.ContentLength = size

	resp, err := c.send.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeErrorBody(resp)
	}
	return nil
}

func decodeErrorBody(resp *http.Response) error {
	var body wire.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("httpplane: unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("httpplane: %d: %s", resp.StatusCode, body.Error)
}
