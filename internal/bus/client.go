package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
)

// Credentials override the configured servers and token for one connection.
// A session grant supplies them.
type Credentials struct {
	URL   string
	Token string
}

// Handlers observe connection state after the initial connect succeeds.
type Handlers struct {
	Disconnected func(err error)
	Reconnected  func()
	Closed       func()
}

// Client wraps a NATS connection with minimal helpers.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.RelayConfig, creds Credentials, h Handlers, log *slog.Logger) (*Client, error) {
	url := creds.URL
	if url == "" {
		if len(cfg.Servers) == 0 {
			return nil, errors.New("no relay servers configured")
		}
		url = strings.Join(cfg.Servers, ",")
	}

	options := []nats.Option{
		nats.Name("loqa-scribe"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	token := creds.Token
	if token == "" {
		token = cfg.Token
	}
	if token != "" && cfg.Username == "" {
		options = append(options, nats.Token(token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	if h.Disconnected != nil {
		options = append(options, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { h.Disconnected(err) }))
	}
	if h.Reconnected != nil {
		options = append(options, nats.ReconnectHandler(func(*nats.Conn) { h.Reconnected() }))
	}
	if h.Closed != nil {
		options = append(options, nats.ClosedHandler(func(*nats.Conn) { h.Closed() }))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(url, options...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect to relay: %w", r.err)
		}
		log.Info("connected to relay", slog.String("servers", url))
		return &Client{conn: r.conn, log: log}, nil
	case <-ctx.Done():
		// the dial may still succeed; close whatever it produces
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Client) Publish(subject string, data []byte) error {
	if c == nil || c.conn == nil {
		return errors.New("relay client not connected")
	}
	return c.conn.Publish(subject, data)
}

// Subscribe delivers message payloads for subject to fn on the NATS
// dispatcher goroutine.
func (c *Client) Subscribe(subject string, fn func(data []byte)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) { fn(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing relay connection")
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
