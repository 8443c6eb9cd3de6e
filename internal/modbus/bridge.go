package modbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goburrow/serial"
)

// SendResponse is the usb_bridge reply to one forwarded ADU.
type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// BridgeClient forwards ADUs to a usb_bridge on the host the accessory is
// plugged into.
type BridgeClient struct {
	url      string
	password string
	client   *http.Client
}

func NewBridgeClient(url, password string, timeout time.Duration) *BridgeClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BridgeClient{
		url:      url,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// Send forwards adu with only the client timeout as a deadline.
func (c *BridgeClient) Send(adu []byte) ([]byte, error) {
	return c.SendContext(context.Background(), adu)
}

// SendContext forwards adu and returns the accessory's reply. An error
// reported by the bridge's serial port is returned as that error, so a
// remote serial.ErrTimeout still matches errors.Is.
func (c *BridgeClient) SendContext(ctx context.Context, adu []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(adu))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.password != "" {
		req.SetBasicAuth("", c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("bridge %s: %s: %s", c.url, resp.Status, bytes.TrimSpace(msg))
	}
	var reply SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("bridge %s: decoding reply: %w", c.url, err)
	}
	switch reply.Error {
	case "":
		return reply.ADUResponse, nil
	case serial.ErrTimeout.Error():
		return nil, serial.ErrTimeout
	}
	return nil, errors.New(reply.Error)
}

func (c *BridgeClient) Connect() error {
	return nil
}

func (c *BridgeClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// BridgeHandler serves forwarded ADUs from a local handler.
type BridgeHandler struct {
	Handler  Handler
	Password string
}

func (b *BridgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.Password != "" {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != b.Password {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
	}
	aduRequest, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	aduResponse, err := b.Handler.Send(aduRequest)
	var errString string
	if err != nil {
		errString = err.Error()
	}
	body, err := json.Marshal(&SendResponse{
		ADUResponse: aduResponse,
		Error:       errString,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
