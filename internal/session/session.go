// Package session is the device session client: a line-oriented request and
// reply protocol over TLS to the probe's control port.
package session

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/probelink/internal/transport"
)

// ErrNotConnected is returned for requests made without an open session.
var ErrNotConnected = errors.New("session: not connected")

// Request verbs.
const (
	cmdLoad      = "LOAD"
	cmdImaging   = "IMAGING"
	cmdPowerDown = "POWERDOWN"

	replyOK  = "OK"
	replyErr = "ERR"
)

// CertSource supplies the pinned certificate for a probe, if any.
type CertSource interface {
	ForProbe(name string) (*x509.Certificate, bool, error)
}

// Options configures the client.
type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Certs          CertSource // optional
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{DialTimeout: 5 * time.Second, RequestTimeout: 5 * time.Second}
}

// Client holds at most one session. It implements transport.Session.
type Client struct {
	opts Options
	now  func() time.Time

	reqMu sync.Mutex // one request in flight

	mu      sync.Mutex
	gen     uint64
	conn    net.Conn
	replies chan string
}

var _ transport.Session = (*Client)(nil)

// New creates a session client.
func New(opts Options) *Client {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	return &Client{opts: opts, now: time.Now}
}

// Open closes any current session and connects to ip:port in the
// background. On success the sink receives SessionChanged(true) followed by
// CertificateChecked with the days the probe's certificate remains valid.
func (c *Client) Open(probeName, ip string, port int, sink transport.Sink) error {
	if ip == "" || port <= 0 {
		return fmt.Errorf("session: invalid endpoint %q:%d", ip, port)
	}
	c.Close()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen, probeName, net.JoinHostPort(ip, strconv.Itoa(port)), sink)
	return nil
}

func (c *Client) dial(gen uint64, probeName, addr string, sink transport.Sink) {
	slog.Info("[SESSION] connecting", "probe", probeName, "addr", addr)

	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	// Probes present self-signed certificates. Trust comes from pinning
	// against the stored OEM certificate, not from a CA chain.
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // verified by pinning in checkCertificate
		MinVersion:         tls.VersionTLS12,
	})
	if err != nil {
		if c.current(gen) {
			slog.Warn("[SESSION] connect failed", "probe", probeName, "error", err)
			sink(transport.Failed("session", fmt.Errorf("session: dial %s: %w", addr, err)))
		}
		return
	}

	days := c.checkCertificate(probeName, conn.ConnectionState().PeerCertificates)

	replies := make(chan string, 1)
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.replies = replies
	c.mu.Unlock()

	go c.read(gen, conn, replies, sink)

	slog.Info("[SESSION] connected", "probe", probeName, "days_valid", days)
	sink(transport.SessionChanged(true))
	sink(transport.CertificateChecked(days))
}

// checkCertificate returns the days until the peer certificate expires, or
// -1 when there is none or it does not match the pinned certificate.
func (c *Client) checkCertificate(probeName string, peers []*x509.Certificate) int {
	if len(peers) == 0 {
		slog.Warn("[SESSION] probe presented no certificate", "probe", probeName)
		return -1
	}
	leaf := peers[0]

	if c.opts.Certs != nil {
		pinned, ok, err := c.opts.Certs.ForProbe(probeName)
		switch {
		case err != nil:
			slog.Warn("[SESSION] pinned certificate unreadable", "probe", probeName, "error", err)
		case ok && !bytes.Equal(pinned.Raw, leaf.Raw):
			slog.Warn("[SESSION] certificate does not match pinned copy", "probe", probeName)
			return -1
		case ok:
			slog.Debug("[SESSION] certificate matches pinned copy", "probe", probeName)
		}
	}
	return daysValid(leaf, c.now())
}

// daysValid returns whole days from now until the certificate expires;
// negative once expired.
func daysValid(cert *x509.Certificate, now time.Time) int {
	return int(math.Floor(cert.NotAfter.Sub(now).Hours() / 24))
}

// read delivers reply lines until the connection closes.
func (c *Client) read(gen uint64, conn net.Conn, replies chan<- string, sink transport.Sink) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case replies <- line:
		default:
			slog.Debug("[SESSION] unsolicited reply dropped", "line", line)
		}
	}

	c.mu.Lock()
	live := c.gen == gen
	if live {
		c.conn = nil
		c.replies = nil
	}
	c.mu.Unlock()

	conn.Close()
	if live {
		slog.Warn("[SESSION] connection lost", "error", sc.Err())
		sink(transport.SessionChanged(false))
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// request sends one command line and waits for its reply.
func (c *Client) request(args ...string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	conn, replies := c.conn, c.replies
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// Drop a reply that arrived after an earlier request timed out.
	select {
	case <-replies:
	default:
	}

	line := strings.Join(args, " ")
	if err := conn.SetWriteDeadline(c.now().Add(c.opts.RequestTimeout)); err != nil {
		return fmt.Errorf("session: %s: %w", args[0], err)
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("session: %s: %w", args[0], err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return parseReply(args[0], reply)
	case <-timer.C:
		return fmt.Errorf("session: %s: no reply within %s", args[0], c.opts.RequestTimeout)
	}
}

func parseReply(verb, reply string) error {
	status, msg, _ := strings.Cut(reply, " ")
	switch status {
	case replyOK:
		return nil
	case replyErr:
		return fmt.Errorf("session: %s rejected: %s", verb, msg)
	default:
		return fmt.Errorf("session: %s: unexpected reply %q", verb, reply)
	}
}

// LoadApplication loads the imaging profile for model and application.
func (c *Client) LoadApplication(model, application string) error {
	if model == "" || application == "" {
		return fmt.Errorf("session: model and application are required")
	}
	if err := c.request(cmdLoad, model, application); err != nil {
		return err
	}
	slog.Info("[SESSION] application loaded", "model", model, "application", application)
	return nil
}

// SetImaging starts or stops imaging.
func (c *Client) SetImaging(on bool) error {
	arg := "off"
	if on {
		arg = "on"
	}
	if err := c.request(cmdImaging, arg); err != nil {
		return err
	}
	slog.Info("[SESSION] imaging", "on", on)
	return nil
}

// PowerDown asks the probe to power off.
func (c *Client) PowerDown() error {
	return c.request(cmdPowerDown)
}

// Close ends the session without reporting to the sink.
func (c *Client) Close() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.replies = nil
	c.mu.Unlock()

	if conn != nil {
		slog.Info("[SESSION] closing")
		conn.Close()
	}
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
