package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// RestPath is the route every action is posted to, relative to the base URL.
const RestPath = "/api/"

// RestChannel posts each request payload to <base>/api/<ACTION> and reads
// a frame back.
type RestChannel struct {
	reachability
	baseURL string
	client  *http.Client
	creds   Credentials
}

func NewRestChannel(baseURL string, creds Credentials, timeout time.Duration) *RestChannel {
	return &RestChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		creds:   creds,
	}
}

func (c *RestChannel) Network() Network                { return NetworkRest }
func (c *RestChannel) Start(ctx context.Context) error { return nil }

func (c *RestChannel) Stop() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *RestChannel) Do(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
	resp, err := c.do(ctx, req)
	c.observe(err)
	return resp, err
}

func (c *RestChannel) do(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
	body := []byte(req.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RestPath+string(req.Action), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Action, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.creds.AccessToken != "" {
		httpReq.Header.Set(common.AccessTokenHeaderName, c.creds.AccessToken)
	}
	if c.creds.DeviceID != "" {
		httpReq.Header.Set(common.DeviceHeaderName, c.creds.DeviceID)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, unavailable(NetworkRest, err)
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, unavailable(NetworkRest, fmt.Errorf("http %d", httpResp.StatusCode))
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, unavailable(NetworkRest, err)
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %s reply (http %d): %v", common.ErrorInternal, req.Action, httpResp.StatusCode, err)
	}
	frame.ID = req.ID
	return &frame, nil
}
