package settlementd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stealthpay/native/announcements"
	"stealthpay/native/envelope"
)

// Client talks to a settlementd instance. It satisfies announcements.Feed so
// a wallet can scan a remote log.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), http: httpClient}
}

// Page implements announcements.Feed.
func (c *Client) Page(ctx context.Context, cursor uint64, limit int) ([]announcements.Announcement, uint64, error) {
	query := url.Values{}
	query.Set("cursor", strconv.FormatUint(cursor, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page AnnouncementPage
	if err := c.do(ctx, http.MethodGet, "/v1/announcements?"+query.Encode(), nil, nil, &page); err != nil {
		return nil, cursor, err
	}
	out := make([]announcements.Announcement, 0, len(page.Announcements))
	for _, entry := range page.Announcements {
		out = append(out, entry.Announcement())
	}
	return out, page.Next, nil
}

// Pay submits an encoded payment token.
func (c *Client) Pay(ctx context.Context, token string) (*ReceiptResponse, error) {
	var receipt ReceiptResponse
	headers := map[string]string{envelope.HeaderName: token}
	if err := c.do(ctx, http.MethodPost, "/v1/payments", headers, nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Status fetches the engine snapshot.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// MetaAddress looks up the meta-address registered for identity.
func (c *Client) MetaAddress(ctx context.Context, identity [20]byte) (*MetaAddressResponse, error) {
	var out MetaAddressResponse
	path := fmt.Sprintf("/v1/registry/0x%x", identity)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterOnBehalf submits a delegated registration signed by identity.
func (c *Client) RegisterOnBehalf(ctx context.Context, identity [20]byte, req RegisterKeysRequest) (*MetaAddressResponse, error) {
	var out MetaAddressResponse
	path := fmt.Sprintf("/v1/registry/0x%x", identity)
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BridgeSend asks the node to forward token to destination. A response with
// Delivered false still carries a redeemed authorization.
func (c *Client) BridgeSend(ctx context.Context, token, destination string) (*BridgeSendResponse, error) {
	var out BridgeSendResponse
	body := BridgeSendRequest{Token: token, Destination: destination}
	if err := c.do(ctx, http.MethodPost, "/v1/bridge/send", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deliver implements bridge.Transport by posting the encoded message to the
// destination daemon.
func (c *Client) Deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/bridge/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", BridgeContentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	remote := &RemoteError{Status: resp.StatusCode}
	_ = json.NewDecoder(resp.Body).Decode(&remote.Body)
	return remote
}

// RemoteError is returned for non-2xx responses.
type RemoteError struct {
	Status int
	Body   ErrorResponse
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("settlementd: %d %s: %s", e.Status, e.Body.Error, e.Body.Message)
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
