// Package orchestrator brings a probe online by driving the BLE control
// link, the Wi-Fi data link and the device session in sequence.
//
// Every input (user action or transport event) is queued on a single inbox
// and processed one at a time. Processing an input updates the facts,
// settles the step to a fixed point with Next, and, when the step changed,
// dispatches the one side effect bound to the new step. Adapters report
// results later through a Sink, which feeds the inbox again.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/probelink/internal/probe"
	"github.com/chaz8081/probelink/internal/transport"
)

// ErrImagingUnavailable is returned by ToggleImaging before the probe is
// ready to image.
var ErrImagingUnavailable = errors.New("orchestrator: imaging not available in current step")

// Options configures the orchestrator.
type Options struct {
	ProbeModel  string // model passed to Session.LoadApplication
	Application string // application profile passed to Session.LoadApplication
}

// DefaultOptions returns the profile used by the reference probe.
func DefaultOptions() Options {
	return Options{
		ProbeModel:  "L7HD",
		Application: "vascular",
	}
}

// Status is a consistent snapshot of the orchestrator.
type Status struct {
	Step      Step
	Facts     Facts
	Selected  string
	Scan      transport.ScanState
	LastError error
	Epoch     uint64
}

// Orchestrator owns the connection state for one probe at a time.
type Orchestrator struct {
	registry *probe.Registry
	control  transport.ControlLink
	data     transport.DataLink
	session  transport.Session
	opts     Options
	relation Relation

	inboxMu  sync.Mutex
	inbox    []func()
	draining bool

	// mu guards the fields below. It is only written by the goroutine
	// draining the inbox and is never held while calling an adapter.
	mu          sync.Mutex
	step        Step
	facts       Facts
	selected    string
	scan        transport.ScanState
	lastErr     error
	errSeq      uint64
	epoch       uint64
	openPending bool

	obsMu     sync.Mutex
	observers []func(Status)
}

// New creates an orchestrator in StepSelectProbe. Options with empty fields
// take their defaults.
func New(registry *probe.Registry, control transport.ControlLink, data transport.DataLink, session transport.Session, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.ProbeModel == "" {
		opts.ProbeModel = def.ProbeModel
	}
	if opts.Application == "" {
		opts.Application = def.Application
	}
	o := &Orchestrator{
		registry: registry,
		control:  control,
		data:     data,
		session:  session,
		opts:     opts,
		relation: Next,
		epoch:    1,
	}
	registry.Observe(func(u probe.Update) {
		o.Handle(transport.ProbeUpdated(u))
	})
	return o
}

// OnChange registers fn to receive a Status after every processed input
// that changed it.
func (o *Orchestrator) OnChange(fn func(Status)) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, fn)
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() Status {
	return Status{
		Step:      o.step,
		Facts:     o.facts,
		Selected:  o.selected,
		Scan:      o.scan,
		LastError: o.lastErr,
		Epoch:     o.epoch,
	}
}

// Select makes name the probe to connect to. The probe does not need to be
// in the registry yet; it counts as selected once it is.
func (o *Orchestrator) Select(name string) {
	o.post(func() {
		o.process(func() []effect {
			o.selected = name
			return nil
		})
	})
}

// Connect starts the connection sequence for the selected probe, scanning
// for it first if it has not been discovered.
func (o *Orchestrator) Connect() {
	o.post(func() {
		o.process(func() []effect {
			o.facts.ShouldConnect = true
			o.refreshProbeFactsLocked()
			if !o.facts.ProbeSelected && o.scan != transport.ScanScanning {
				sink := o.sinkLocked()
				return []effect{func() {
					slog.Info("[ORCH] selected probe not discovered, scanning", "probe", o.selected)
					if err := o.control.StartScan(sink); err != nil {
						sink(transport.Failed("scan", err))
					}
				}}
			}
			return nil
		})
	})
}

// Disconnect tears down every transport and returns to StepSelectProbe.
// Events from operations started before the call are dropped.
func (o *Orchestrator) Disconnect() {
	o.post(func() {
		o.mu.Lock()
		from := o.step
		o.epoch++
		o.step = StepSelectProbe
		o.facts = Facts{}
		o.openPending = false
		status := o.statusLocked()
		o.mu.Unlock()

		slog.Info("[ORCH] disconnecting", "from", from, "probe", status.Selected)
		if err := o.session.PowerDown(); err != nil {
			slog.Debug("[ORCH] power down", "error", err)
		}
		o.session.Close()
		o.data.Leave()
		o.control.Disconnect()
		// Power and credentials are re-learned from the next control link.
		if status.Selected != "" {
			o.registry.ClearTelemetry(status.Selected)
		}
		o.notify(status)
	})
}

// ToggleImaging flips imaging on or off once the probe is ready to image.
func (o *Orchestrator) ToggleImaging() error {
	o.mu.Lock()
	step := o.step
	o.mu.Unlock()
	if step != StepImagingReady && step != StepImaging {
		return fmt.Errorf("%w (step %s)", ErrImagingUnavailable, step)
	}

	o.post(func() {
		o.process(func() []effect {
			// Work queued ahead of this call may have moved the step.
			if o.step != StepImagingReady && o.step != StepImaging {
				slog.Warn("[ORCH] imaging toggle dropped", "step", o.step)
				return nil
			}
			o.facts.Imaging = !o.facts.Imaging
			on := o.facts.Imaging
			sink := o.sinkLocked()
			return []effect{func() {
				if err := o.session.SetImaging(on); err != nil {
					sink(transport.Failed("imaging", err))
				}
			}}
		})
	})
	return nil
}

// Handle applies one transport event. Events stamped with an epoch other
// than the current one are stale and ignored.
func (o *Orchestrator) Handle(ev transport.Event) {
	o.post(func() { o.process(func() []effect { return o.applyLocked(ev) }) })
}

// effect is a side effect run after the state lock is released.
type effect func()

// post queues work and drains the inbox unless another goroutine already
// is; in that case the work runs on that goroutine before it returns.
func (o *Orchestrator) post(work func()) {
	o.inboxMu.Lock()
	o.inbox = append(o.inbox, work)
	if o.draining {
		o.inboxMu.Unlock()
		return
	}
	o.draining = true
	o.inboxMu.Unlock()

	for {
		o.inboxMu.Lock()
		if len(o.inbox) == 0 {
			o.draining = false
			o.inboxMu.Unlock()
			return
		}
		next := o.inbox[0]
		o.inbox[0] = nil
		o.inbox = o.inbox[1:]
		o.inboxMu.Unlock()

		next()
	}
}

// postFront queues work ahead of everything else. Only called while
// draining.
func (o *Orchestrator) postFront(work func()) {
	o.inboxMu.Lock()
	o.inbox = append([]func(){work}, o.inbox...)
	o.inboxMu.Unlock()
}

// process runs mutate under the state lock, settles the step, and then runs
// the collected effects with the lock released.
func (o *Orchestrator) process(mutate func() []effect) {
	o.mu.Lock()
	before, seq := o.statusLocked(), o.errSeq
	effects := mutate()
	if eff := o.recomputeLocked(); eff != nil {
		effects = append(effects, eff)
	}
	after, changed := o.statusLocked(), o.errSeq != seq
	o.mu.Unlock()

	for _, eff := range effects {
		eff()
	}
	if changed || !sameState(before, after) {
		o.notify(after)
	}
}

// applyLocked folds one event into the facts.
func (o *Orchestrator) applyLocked(ev transport.Event) []effect {
	// Scan state is not tied to a connection attempt.
	if ev.Kind != transport.EventScan && ev.Epoch != 0 && ev.Epoch != o.epoch {
		slog.Debug("[ORCH] dropping stale event", "event", ev.String(), "epoch", ev.Epoch, "current", o.epoch)
		return nil
	}

	switch ev.Kind {
	case transport.EventControlLink:
		o.facts.ControlLinkConnected = ev.Connected
		if !ev.Connected && o.selected != "" {
			name := o.selected
			return []effect{func() { o.registry.ClearTelemetry(name) }}
		}
	case transport.EventScan:
		o.scan = ev.Scan
		if ev.Scan == transport.ScanError && ev.Err != nil {
			o.setErrLocked(ev.Err)
		}
	case transport.EventProbeUpdated:
		// Derived facts are refreshed from the registry on every recompute.
	case transport.EventDataLink:
		o.facts.DataLinkJoined = ev.Connected
		if ev.Connected && ev.NetworkID != "" && o.selected != "" {
			name, id := o.selected, ev.NetworkID
			return []effect{func() { o.registry.UpdateNetworkID(name, id) }}
		}
	case transport.EventSession:
		o.facts.SessionConnected = ev.Connected
		if !ev.Connected {
			// Certificate, profile and imaging belong to the session that dropped.
			o.facts.CertificateValid = false
			o.facts.ApplicationLoaded = false
			o.facts.Imaging = false
		}
	case transport.EventCertificate:
		o.facts.CertificateValid = ev.DaysValid >= 0
	case transport.EventApplication:
		o.facts.ApplicationLoaded = ev.Loaded
	case transport.EventError:
		o.setErrLocked(fmt.Errorf("%s: %w", ev.Source, ev.Err))
		slog.Warn("[ORCH] transport error", "source", ev.Source, "error", ev.Err)
	default:
		slog.Warn("[ORCH] unknown event", "kind", ev.Kind)
	}
	return nil
}

func (o *Orchestrator) setErrLocked(err error) {
	o.lastErr = err
	o.errSeq++
}

// sameState compares everything but LastError, which may not be comparable.
func sameState(a, b Status) bool {
	return a.Step == b.Step && a.Facts == b.Facts && a.Selected == b.Selected &&
		a.Scan == b.Scan && a.Epoch == b.Epoch
}

// refreshProbeFactsLocked re-reads the selected probe from the registry.
func (o *Orchestrator) refreshProbeFactsLocked() (probe.Identity, bool) {
	id, ok := o.lookupLocked()
	o.facts.ProbeSelected = ok
	o.facts.ProbePowered = ok && id.Powered
	o.facts.NetworkReady = ok && id.NetworkReady()
	return id, ok
}

func (o *Orchestrator) lookupLocked() (probe.Identity, bool) {
	if o.selected == "" {
		return probe.Identity{}, false
	}
	return o.registry.Get(o.selected)
}

// recomputeLocked settles the step and returns the side effect for the new
// step, if the step changed.
func (o *Orchestrator) recomputeLocked() effect {
	id, _ := o.refreshProbeFactsLocked()

	from := o.step
	to, path, err := settle(from, o.facts, o.relation)
	if err != nil {
		// The step is left where it was and nothing is dispatched.
		slog.Error("[ORCH] aborting recompute", "error", err)
		o.setErrLocked(err)
		return nil
	}
	o.step = to

	if to == from {
		if to == StepOpenSession && o.openPending {
			return o.openSessionLocked(id)
		}
		return nil
	}
	slog.Info("[ORCH] step", "from", from, "to", to, "via", path, "probe", o.selected)
	o.openPending = false
	return o.effectForLocked(to, id)
}

// effectForLocked returns the side effect bound to entering step s.
func (o *Orchestrator) effectForLocked(s Step, id probe.Identity) effect {
	sink := o.sinkLocked()

	switch s {
	case StepConnectControlLink:
		return func() {
			if err := o.control.Connect(id, sink); err != nil {
				sink(transport.Failed("control-link", err))
			}
		}
	case StepPowerProbe:
		return func() {
			if err := o.control.SetPower(true); err != nil {
				sink(transport.Failed("power", err))
			}
		}
	case StepJoinDataLink:
		if id.Credentials == nil {
			return nil
		}
		creds := *id.Credentials
		return func() {
			if err := o.data.Join(creds, id.NetworkID, sink); err != nil {
				sink(transport.Failed("data-link", err))
			}
		}
	case StepOpenSession:
		return o.openSessionLocked(id)
	case StepLoadApplication:
		model, app, epoch := o.opts.ProbeModel, o.opts.Application, o.epoch
		return func() {
			if err := o.session.LoadApplication(model, app); err != nil {
				sink(transport.Failed("application", err))
				return
			}
			loaded := transport.ApplicationLoaded(true)
			loaded.Epoch = epoch
			o.postFront(func() { o.process(func() []effect { return o.applyLocked(loaded) }) })
		}
	}
	// Selection, waits, certificate check and imaging steps only wait for
	// facts.
	return nil
}

// openSessionLocked opens the session if the probe published an endpoint,
// otherwise leaves the open pending until it does.
func (o *Orchestrator) openSessionLocked(id probe.Identity) effect {
	if !id.Credentials.HasSessionEndpoint() {
		if !o.openPending {
			slog.Warn("[ORCH] session endpoint unknown, waiting for credentials", "probe", id.Name)
		}
		o.openPending = true
		return nil
	}
	o.openPending = false

	sink := o.sinkLocked()
	name, ip, port := id.Name, id.Credentials.IPAddr, id.Credentials.ControlPort
	return func() {
		if err := o.session.Open(name, ip, port, sink); err != nil {
			sink(transport.Failed("session", err))
		}
	}
}

// sinkLocked returns a Sink that stamps events with the current epoch.
func (o *Orchestrator) sinkLocked() transport.Sink {
	epoch := o.epoch
	return func(ev transport.Event) {
		ev.Epoch = epoch
		o.Handle(ev)
	}
}

func (o *Orchestrator) notify(s Status) {
	o.obsMu.Lock()
	observers := make([]func(Status), len(o.observers))
	copy(observers, o.observers)
	o.obsMu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}
