package sipcall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Client owns the SIP endpoint for the gate dialer: one sipgo user agent
// with a server side (the read loop delivering inbound messages) and a
// client side (outbound transactions). The listeners are held for the
// client's lifetime and released exactly once by Close.
type Client struct {
	cfg    AccountConfig
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient creates the SIP endpoint for the given account.
func NewClient(cfg AccountConfig, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid account config: %w", err)
	}

	l := logger.With("subsystem", "sip-client")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("gatedial"),
		sipgo.WithUserAgentHostname(cfg.LocalIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		logger: l,
	}

	c.registerHandlers()
	return c, nil
}

// registerHandlers attaches handlers for the few inbound requests a pure
// UAC has to answer.
func (c *Client) registerHandlers() {
	// The far end may tear a confirmed dialog down before our own BYE
	// lands. Acknowledge so it stops retransmitting.
	c.srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		c.logger.Debug("bye received", "call_id", callIDValue(req))
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			c.logger.Error("failed to respond to bye", "error", err)
		}
	})

	// OPTIONS keepalive pings from the server.
	c.srv.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
		if err := tx.Respond(res); err != nil {
			c.logger.Error("failed to respond to options", "error", err)
		}
	})

	// The gate dialer never takes calls.
	c.srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		c.logger.Debug("inbound invite refused", "call_id", callIDValue(req), "source", req.Source())
		res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
		if err := tx.Respond(res); err != nil {
			c.logger.Error("failed to refuse inbound invite", "error", err)
		}
	})
}

// Start begins listening on the configured local port. It returns once the
// listeners are spawned; they run until Close.
func (c *Client) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	udpAddr := fmt.Sprintf("0.0.0.0:%d", c.cfg.LocalPort)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := c.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			c.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	if c.cfg.Transport == "tcp" || c.cfg.Transport == "tls" {
		tcpAddr := fmt.Sprintf("0.0.0.0:%d", c.cfg.LocalPort)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.logger.Info("sip tcp listener starting", "addr", tcpAddr)
			if err := c.srv.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
				c.logger.Error("sip tcp listener stopped", "error", err)
			}
		}()
	}

	return nil
}

// Close shuts the listeners down and releases the sockets. Safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.srv.Close()
		c.ua.Close()
		c.logger.Info("sip client closed")
	})
}

// TransactionRequest starts a client transaction for req.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	return c.client.TransactionRequest(ctx, req, opts...)
}

// WriteRequest sends req outside of any transaction (ACK, CANCEL).
func (c *Client) WriteRequest(req *sip.Request) error {
	return c.client.WriteRequest(req)
}

// LocalContact returns the Contact URI string advertised to the server.
func (c *Client) LocalContact() string {
	user := c.cfg.Username
	if user == "" {
		user = "gatedial"
	}
	return fmt.Sprintf("<sip:%s@%s:%d>", user, c.cfg.LocalIP, c.cfg.LocalPort)
}

func callIDValue(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
