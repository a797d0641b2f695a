package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fossibot-bridge/internal/errors"
)

const (
	requestTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
)

// apiClient performs signed POSTs against the serverless endpoint.
type apiClient struct {
	endpoint string
	http     *http.Client
	now      func() time.Time
}

func newAPIClient(endpoint string) *apiClient {
	return &apiClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: requestTimeout},
		now:      time.Now,
	}
}

type apiRequest struct {
	Method    string `json:"method"`
	Params    string `json:"params"`
	SpaceID   string `json:"spaceId"`
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token,omitempty"`
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"` // string or number depending on the failure
	Message string          `json:"message"`
}

// call posts one signed request and returns the data envelope. HTTP status
// maps onto the error taxonomy: 401/403 AuthRejected, 429 and 5xx
// TransientNet, network failures TransientNet, malformed JSON ProtocolError.
func (c *apiClient) call(ctx context.Context, op, method, params, token string) (json.RawMessage, error) {
	body := apiRequest{
		Method:    method,
		Params:    params,
		SpaceID:   spaceID,
		Timestamp: c.now().UnixMilli(),
		Token:     token,
	}
	signature := signBody(map[string]string{
		"method":    body.Method,
		"params":    body.Params,
		"spaceId":   body.SpaceID,
		"timestamp": strconv.FormatInt(body.Timestamp, 10),
		"token":     body.Token,
	})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Protocol(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Protocol(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-serverless-sign", signature)

	resp, err := c.http.Do(req)
	if err != nil {
		// Covers DNS failures, refused connections and client timeouts.
		return nil, errors.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Transient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.AuthRejected(op, fmt.Errorf("server returned HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Transient(op, fmt.Errorf("server returned HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Protocol(op, fmt.Errorf("unexpected HTTP %d", resp.StatusCode))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Protocol(op, fmt.Errorf("malformed response: %w", err))
	}
	if !envelope.Success || len(envelope.Data) == 0 {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return nil, errors.Protocol(op, fmt.Errorf("server error %s: %s", envelope.Error.Code, envelope.Error.Message))
		}
		return nil, errors.Protocol(op, fmt.Errorf("response carries no data"))
	}
	return envelope.Data, nil
}
