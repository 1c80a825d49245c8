// Package httprpc carries the message protocol across processes: correlated
// requests over POST /v1/rpc and broadcast delivery over a server-sent event
// stream. It satisfies the same Requester contract as the in-process bus
// endpoint, so a client cache cannot tell which substrate it runs on.
package httprpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/transport"
)

const clientHeader = "X-Confsync-Client"

// Options configures a Client.
type Options struct {
	// ClientID names this endpoint for origin exclusion. Generated when
	// empty.
	ClientID string

	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client is an HTTP-backed transport endpoint.
type Client struct {
	baseURL string
	id      string
	http    *http.Client
	log     *logrus.Entry

	mu           sync.Mutex
	listeners    map[int]func(transport.Broadcast)
	nextListener int

	cancel context.CancelFunc
	done   chan struct{}
}

// New connects a Client to baseURL and starts the event stream in the
// background, reconnecting with exponential backoff on failure.
func New(baseURL string, opts Options) *Client {
	id := opts.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		id:        id,
		http:      httpClient,
		log:       logger.WithFields(logrus.Fields{"component": "httprpc", "client": id}),
		listeners: make(map[int]func(transport.Broadcast)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go c.streamLoop(ctx)
	return c
}

// ID returns the endpoint identifier.
func (c *Client) ID() string { return c.id }

// Request posts one message and decodes the correlated response. Transport
// failures map onto the protocol's error taxonomy so retry policies work
// identically to the in-process bus.
func (c *Client) Request(ctx context.Context, msg transport.Message) (transport.Response, error) {
	msg.Origin = c.id

	body, err := json.Marshal(msg)
	if err != nil {
		return transport.Response{}, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rpc", bytes.NewReader(body))
	if err != nil {
		return transport.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(clientHeader, c.id)

	httpResp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return transport.Response{}, fmt.Errorf("%w: %v", transport.ErrTimeout, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return transport.Response{}, fmt.Errorf("%w: %v", transport.ErrTimeout, err)
		}
		return transport.Response{}, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusGatewayTimeout:
		return transport.Response{}, transport.ErrTimeout
	default:
		return transport.Response{}, fmt.Errorf("%w: status %d", transport.ErrUnreachable, httpResp.StatusCode)
	}

	var resp transport.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return transport.Response{}, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}

// OnBroadcast registers fn for broadcasts from the event stream.
func (c *Client) OnBroadcast(fn func(transport.Broadcast)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Close stops the event stream.
func (c *Client) Close() {
	c.cancel()
	<-c.done
}

// streamLoop keeps the SSE subscription alive for the client's lifetime.
func (c *Client) streamLoop(ctx context.Context) {
	defer close(c.done)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // reconnect forever

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.consumeStream(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := policy.NextBackOff()
		c.log.WithError(err).WithField("retry_in", wait).Debug("Event stream dropped; reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// consumeStream opens one SSE connection and dispatches its events until it
// fails.
func (c *Client) consumeStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events?client="+c.id, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(clientHeader, c.id)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	c.log.Debug("Event stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = []byte(strings.TrimPrefix(line, "data: "))
		case line == "":
			if eventType != "" {
				c.dispatch(transport.Broadcast{
					Type:    transport.BroadcastType(eventType),
					Payload: json.RawMessage(data),
				})
			}
			eventType, data = "", nil
		}
		// Comment lines (heartbeats) fall through and are ignored.
	}
	return scanner.Err()
}

func (c *Client) dispatch(bc transport.Broadcast) {
	c.mu.Lock()
	fns := make([]func(transport.Broadcast), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(bc)
	}
}
