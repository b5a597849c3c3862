package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrChannelSend = errors.New("channel send failed")

// GatewayClient talks to a session-scoped WhatsApp HTTP gateway.
type GatewayClient struct {
	baseURL   string
	sessionID string
	apiKey    string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewGatewayClient limits sends to perMinute. A non-positive perMinute
// disables the limit.
func NewGatewayClient(baseURL, sessionID, apiKey string, timeout time.Duration, perMinute int) *GatewayClient {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &GatewayClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		apiKey:    apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type sendRequest struct {
	ChatID      string `json:"chatId"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message struct {
		ID struct {
			Serialized string `json:"_serialized"`
		} `json:"id"`
	} `json:"message"`
}

// Send delivers text to chatID and returns the gateway's message id. Every
// failure wraps ErrChannelSend.
func (c *GatewayClient) Send(ctx context.Context, chatID, text string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limit: %w", ErrChannelSend, err)
	}

	reqBody, err := json.Marshal(sendRequest{
		ChatID:      chatID,
		ContentType: "string",
		Content:     text,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChannelSend, err)
	}

	body, status, err := c.do(ctx, http.MethodPost, "/client/sendMessage/", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChannelSend, err)
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: unexpected status code: %d body=%q", ErrChannelSend, status, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("%w: failed to decode json: %w body=%q", ErrChannelSend, err, string(body))
	}
	if !sr.Success {
		return "", fmt.Errorf("%w: gateway refused message: %s", ErrChannelSend, sr.Error)
	}
	if sr.Message.ID.Serialized == "" {
		return "", fmt.Errorf("%w: missing message id in response body=%q", ErrChannelSend, string(body))
	}
	return sr.Message.ID.Serialized, nil
}

type statusResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
	Message string `json:"message"`
}

// Status returns the session state reported by the gateway, e.g. CONNECTED.
func (c *GatewayClient) Status(ctx context.Context) (string, error) {
	var sr statusResponse
	if err := c.getJSON(ctx, "/session/status/", &sr); err != nil {
		return "", err
	}
	if sr.State == "" && sr.Message != "" {
		return sr.Message, nil
	}
	return sr.State, nil
}

type qrResponse struct {
	Success bool   `json:"success"`
	QR      string `json:"qr"`
}

// QR returns the pairing payload while the session is unauthenticated.
func (c *GatewayClient) QR(ctx context.Context) (string, error) {
	var qr qrResponse
	if err := c.getJSON(ctx, "/session/qr/", &qr); err != nil {
		return "", err
	}
	if qr.QR == "" {
		return "", errors.New("gateway returned no qr code")
	}
	return qr.QR, nil
}

type classInfoResponse struct {
	Success     bool `json:"success"`
	SessionInfo struct {
		Wid struct {
			User string `json:"user"`
		} `json:"wid"`
	} `json:"sessionInfo"`
}

// Identity returns the phone number the session is paired with.
func (c *GatewayClient) Identity(ctx context.Context) (string, error) {
	var info classInfoResponse
	if err := c.getJSON(ctx, "/client/getClassInfo/", &info); err != nil {
		return "", err
	}
	if info.SessionInfo.Wid.User == "" {
		return "", errors.New("gateway returned no session identity")
	}
	return info.SessionInfo.Wid.User, nil
}

func (c *GatewayClient) getJSON(ctx context.Context, path string, out any) error {
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d body=%q", status, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	return nil
}

func (c *GatewayClient) do(ctx context.Context, method, path string, reqBody io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+url.PathEscape(c.sessionID), reqBody)
	if err != nil {
		return nil, 0, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}
