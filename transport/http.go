package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Responses from the daemon are a few kilobytes of status text.
const maxBody = 1 << 20

// HTTP talks to the control daemon with one GET per request.
type HTTP struct {
	wire
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTP(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		wire:    newWire(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (h *HTTP) Send(ctx context.Context, req Request) (Response, error) {
	if err := h.lock(ctx, req.Seq); err != nil {
		return Response{}, err
	}
	defer h.unlock()

	url := h.baseURL + req.Path
	if len(req.Params) > 0 {
		url += "?" + req.Params.Encode()
	}
	op := "GET " + req.Path
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, &Error{Op: op, Kind: ErrProtocolMismatch, Err: err}
	}
	h.logger.Debug("sending request", zap.Stringer("request", req))
	resp, err := h.client.Do(hreq)
	if err != nil {
		return Response{}, classify(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, classify(op, err)
	}
	if resp.StatusCode/100 != 2 {
		return Response{}, &Error{
			Op:   op,
			Kind: ErrProtocolMismatch,
			Err:  fmt.Errorf("bad status code: %s: %s", resp.Status, bytes.TrimSpace(body)),
		}
	}
	return Response{Body: body, ReceivedAt: time.Now()}, nil
}

func (h *HTTP) Close() error {
	return h.shut(func() error {
		h.client.CloseIdleConnections()
		return nil
	})
}
