package orchestrator

import (
	"errors"
	"sync"

	"github.com/chaz8081/probelink/internal/ble/protocol"
	"github.com/chaz8081/probelink/internal/probe"
	"github.com/chaz8081/probelink/internal/transport"
)

// fakeControl records control-link calls and keeps the last sink handed out.
type fakeControl struct {
	mu          sync.Mutex
	scans       int
	stops       int
	connects    []probe.Identity
	powers      []bool
	disconnects int
	sink        transport.Sink
	scanSink    transport.Sink

	// connectedOnConnect reports the link up from inside Connect.
	connectedOnConnect bool
}

func (f *fakeControl) StartScan(sink transport.Sink) error {
	f.mu.Lock()
	f.scans++
	f.scanSink = sink
	f.mu.Unlock()
	sink(transport.ScanChanged(transport.ScanScanning, nil))
	return nil
}

func (f *fakeControl) StopScan() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeControl) Connect(id probe.Identity, sink transport.Sink) error {
	f.mu.Lock()
	f.connects = append(f.connects, id)
	f.sink = sink
	up := f.connectedOnConnect
	f.mu.Unlock()
	if up {
		sink(transport.ControlLinkChanged(true))
	}
	return nil
}

func (f *fakeControl) SetPower(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powers = append(f.powers, on)
	return nil
}

func (f *fakeControl) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeControl) emit(ev transport.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

type joinCall struct {
	creds     protocol.Credentials
	networkID string
}

type fakeData struct {
	mu     sync.Mutex
	joins  []joinCall
	leaves int
	sink   transport.Sink
}

func (f *fakeData) Join(creds protocol.Credentials, networkID string, sink transport.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, joinCall{creds: creds, networkID: networkID})
	f.sink = sink
	return nil
}

func (f *fakeData) Leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
}

func (f *fakeData) emit(ev transport.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

type openCall struct {
	name string
	ip   string
	port int
}

type fakeSession struct {
	mu         sync.Mutex
	opens      []openCall
	loads      []string
	imaging    []bool
	powerDowns int
	closes     int
	sink       transport.Sink
	loadErr    error
}

func (f *fakeSession) Open(name, ip string, port int, sink transport.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, openCall{name: name, ip: ip, port: port})
	f.sink = sink
	return nil
}

func (f *fakeSession) LoadApplication(model, application string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, model+"/"+application)
	return f.loadErr
}

func (f *fakeSession) SetImaging(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imaging = append(f.imaging, on)
	return nil
}

func (f *fakeSession) PowerDown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerDowns++
	return errors.New("fake: not connected")
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeSession) emit(ev transport.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

var (
	_ transport.ControlLink = (*fakeControl)(nil)
	_ transport.DataLink    = (*fakeData)(nil)
	_ transport.Session     = (*fakeSession)(nil)
)

// stepRecorder collects step changes seen by an observer, starting from
// StepSelectProbe.
type stepRecorder struct {
	mu    sync.Mutex
	last  Step
	steps []Step
}

func (r *stepRecorder) observe(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Step == r.last {
		return
	}
	r.last = s.Step
	r.steps = append(r.steps, s.Step)
}

func (r *stepRecorder) all() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

type harness struct {
	reg     *probe.Registry
	control *fakeControl
	data    *fakeData
	session *fakeSession
	orch    *Orchestrator
	steps   *stepRecorder
}

const (
	testProbe   = "CUS-1234"
	testAddress = "AA:BB:CC:DD:EE:0A"
)

func newHarness() *harness {
	h := &harness{
		reg:     probe.NewRegistry(),
		control: &fakeControl{},
		data:    &fakeData{},
		session: &fakeSession{},
		steps:   &stepRecorder{},
	}
	h.orch = New(h.reg, h.control, h.data, h.session, DefaultOptions())
	h.orch.OnChange(h.steps.observe)
	return h
}

func readyCredentials() protocol.Credentials {
	return protocol.Credentials{
		State:       protocol.JoinStateConnected,
		SSID:        "DIRECT-CUS-1234",
		Passphrase:  "secret",
		IPAddr:      "192.168.1.1",
		ControlPort: 5828,
		CastPort:    5829,
	}
}

// driveToImagingReady walks the happy path with the test probe.
func (h *harness) driveToImagingReady() {
	h.reg.UpsertFromScan(testAddress, testProbe)
	h.orch.Select(testProbe)
	h.orch.Connect()
	h.control.emit(transport.ControlLinkChanged(true))
	h.reg.UpdatePower(testProbe, true)
	h.reg.UpdateCredentials(testProbe, readyCredentials())
	h.data.emit(transport.DataLinkChanged(true, ""))
	h.session.emit(transport.SessionChanged(true))
	h.session.emit(transport.CertificateChecked(42))
}
