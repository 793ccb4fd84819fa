package session

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/chaz8081/probelink/internal/transport"
)

// fakeProbe is a TLS server speaking the session protocol.
type fakeProbe struct {
	t        *testing.T
	ln       net.Listener
	cert     *x509.Certificate
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    []net.Conn
	received []string
	reply    func(line string) string
}

func newFakeProbe(t *testing.T, notAfter time.Time) *fakeProbe {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "1234"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	if err != nil {
		t.Fatal(err)
	}

	p := &fakeProbe{t: t, ln: ln, cert: cert, reply: func(string) string { return "OK" }}
	p.wg.Add(1)
	go p.serve()
	return p
}

func (p *fakeProbe) serve() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				line := sc.Text()
				p.mu.Lock()
				p.received = append(p.received, line)
				reply := p.reply
				p.mu.Unlock()
				if r := reply(line); r != "" {
					if _, err := conn.Write([]byte(r + "\n")); err != nil {
						return
					}
				}
			}
		}()
	}
}

func (p *fakeProbe) endpoint() (string, int) {
	addr := p.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (p *fakeProbe) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

// dropClients closes the server side of every session.
func (p *fakeProbe) dropClients() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
}

func (p *fakeProbe) close() {
	p.ln.Close()
	p.dropClients()
	p.wg.Wait()
}

type eventLog struct {
	mu  sync.Mutex
	got []transport.Event
}

func (l *eventLog) sink(e transport.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, e)
}

func (l *eventLog) wait(t *testing.T, n int) []transport.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		got := append([]transport.Event(nil), l.got...)
		l.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

type pinned struct{ cert *x509.Certificate }

func (p pinned) ForProbe(string) (*x509.Certificate, bool, error) {
	return p.cert, p.cert != nil, nil
}

func openSession(t *testing.T, c *Client, p *fakeProbe) []transport.Event {
	t.Helper()
	log := &eventLog{}
	ip, port := p.endpoint()
	if err := c.Open("CUS-1234", ip, port, log.sink); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return log.wait(t, 2)
}

func TestOpenReportsCertificate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProbe(t, time.Now().Add(10*24*time.Hour+time.Hour))
	defer p.close()
	c := New(DefaultOptions())
	defer c.Close()

	got := openSession(t, c, p)
	if got[0].Kind != transport.EventSession || !got[0].Connected {
		t.Errorf("first event = %v, want session up", got[0])
	}
	if got[1].Kind != transport.EventCertificate || got[1].DaysValid != 10 {
		t.Errorf("second event = %v, want 10 days valid", got[1])
	}
}

func TestPinnedCertificateMismatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProbe(t, time.Now().Add(30*24*time.Hour))
	defer p.close()
	other := newFakeProbe(t, time.Now().Add(30*24*time.Hour))
	defer other.close()

	c := New(Options{Certs: pinned{other.cert}})
	defer c.Close()
	if got := openSession(t, c, p); got[1].DaysValid >= 0 {
		t.Errorf("DaysValid = %d, want negative for a mismatched pin", got[1].DaysValid)
	}

	c2 := New(Options{Certs: pinned{p.cert}})
	defer c2.Close()
	if got := openSession(t, c2, p); got[1].DaysValid < 29 {
		t.Errorf("DaysValid = %d, want ~29 for a matching pin", got[1].DaysValid)
	}
}

func TestRequests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProbe(t, time.Now().Add(48*time.Hour))
	defer p.close()
	p.reply = func(line string) string {
		if strings.HasPrefix(line, "LOAD") && strings.Contains(line, "cardiac") {
			return "ERR unknown application"
		}
		return "OK"
	}
	c := New(DefaultOptions())
	defer c.Close()
	openSession(t, c, p)

	if err := c.LoadApplication("L7HD", "vascular"); err != nil {
		t.Errorf("LoadApplication() error = %v", err)
	}
	if err := c.LoadApplication("L7HD", "cardiac"); err == nil {
		t.Error("LoadApplication(cardiac) should be rejected")
	}
	if err := c.SetImaging(true); err != nil {
		t.Errorf("SetImaging(true) error = %v", err)
	}
	if err := c.SetImaging(false); err != nil {
		t.Errorf("SetImaging(false) error = %v", err)
	}
	if err := c.PowerDown(); err != nil {
		t.Errorf("PowerDown() error = %v", err)
	}

	want := []string{"LOAD L7HD vascular", "LOAD L7HD cardiac", "IMAGING on", "IMAGING off", "POWERDOWN"}
	got := p.lines()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("probe received %q, want %q", got, want)
	}
}

func TestRequestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProbe(t, time.Now().Add(48*time.Hour))
	defer p.close()
	p.reply = func(string) string { return "" }
	c := New(Options{RequestTimeout: 20 * time.Millisecond})
	defer c.Close()
	openSession(t, c, p)

	if err := c.SetImaging(true); err == nil {
		t.Error("SetImaging() without a reply should time out")
	}
}

func TestNotConnected(t *testing.T) {
	c := New(DefaultOptions())
	if err := c.SetImaging(true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetImaging() error = %v, want ErrNotConnected", err)
	}
	if err := c.Open("CUS-1234", "", 0, func(transport.Event) {}); err == nil {
		t.Error("Open() without endpoint should fail")
	}
}

func TestConnectionLostAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProbe(t, time.Now().Add(48*time.Hour))
	defer p.close()
	c := New(DefaultOptions())

	log := &eventLog{}
	ip, port := p.endpoint()
	if err := c.Open("CUS-1234", ip, port, log.sink); err != nil {
		t.Fatal(err)
	}
	log.wait(t, 2)

	p.dropClients()
	got := log.wait(t, 3)
	if got[2].Kind != transport.EventSession || got[2].Connected {
		t.Errorf("event = %v, want session down", got[2])
	}
	if c.Connected() {
		t.Error("Connected() = true after drop")
	}

	// Reopen, then Close: no further events.
	if err := c.Open("CUS-1234", ip, port, log.sink); err != nil {
		t.Fatal(err)
	}
	log.wait(t, 5)
	c.Close()
	time.Sleep(20 * time.Millisecond)
	if n := len(log.wait(t, 5)); n != 5 {
		t.Errorf("events after Close = %d, want 5", n)
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(Options{DialTimeout: 200 * time.Millisecond})
	log := &eventLog{}
	if err := c.Open("CUS-1234", "127.0.0.1", port, log.sink); err != nil {
		t.Fatal(err)
	}
	if got := log.wait(t, 1); got[0].Kind != transport.EventError {
		t.Errorf("event = %v, want error", got[0])
	}
}

func TestDaysValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		notAfter time.Time
		want     int
	}{
		{now.Add(24*time.Hour + time.Minute), 1},
		{now.Add(23 * time.Hour), 0},
		{now.Add(-time.Hour), -1},
		{now.Add(-49 * time.Hour), -3},
	}
	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if got := daysValid(&x509.Certificate{NotAfter: tt.notAfter}, now); got != tt.want {
				t.Errorf("daysValid() = %d, want %d", got, tt.want)
			}
		})
	}
}
