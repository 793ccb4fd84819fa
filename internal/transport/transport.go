// Package transport defines the events the probe transports report and the
// narrow interfaces the orchestrator drives them through. Adapters for the
// BLE control link, the Wi-Fi data link and the device session implement
// these interfaces and report back exclusively through a Sink.
package transport

import (
	"fmt"

	"github.com/chaz8081/probelink/internal/ble/protocol"
	"github.com/chaz8081/probelink/internal/probe"
)

// EventKind identifies which fact an Event carries.
type EventKind int

const (
	// EventControlLink reports the BLE connection going up or down.
	EventControlLink EventKind = iota
	// EventScan reports a change of BLE scan state.
	EventScan
	// EventProbeUpdated reports a registry change (power, credentials, ...).
	EventProbeUpdated
	// EventDataLink reports joining or losing the probe's Wi-Fi network.
	EventDataLink
	// EventSession reports the device session connecting or dropping.
	EventSession
	// EventCertificate reports the probe certificate validity in days.
	EventCertificate
	// EventApplication reports an application profile load result.
	EventApplication
	// EventError reports a transport failure that did not change a fact.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventControlLink:
		return "control-link"
	case EventScan:
		return "scan"
	case EventProbeUpdated:
		return "probe-updated"
	case EventDataLink:
		return "data-link"
	case EventSession:
		return "session"
	case EventCertificate:
		return "certificate"
	case EventApplication:
		return "application"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ScanState is the state of the BLE scanner.
type ScanState int

const (
	ScanStopped ScanState = iota
	ScanScanning
	ScanError
)

func (s ScanState) String() string {
	switch s {
	case ScanStopped:
		return "stopped"
	case ScanScanning:
		return "scanning"
	case ScanError:
		return "error"
	default:
		return fmt.Sprintf("ScanState(%d)", int(s))
	}
}

// Event is a single report from a transport. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// Epoch is stamped by the Sink the orchestrator hands to an adapter.
	// Zero means the event is not tied to a connection attempt.
	Epoch uint64

	Connected bool         // EventControlLink, EventDataLink, EventSession
	Scan      ScanState    // EventScan
	Probe     string       // EventProbeUpdated
	Change    probe.Change // EventProbeUpdated
	NetworkID string       // EventDataLink: observed access point BSSID
	DaysValid int          // EventCertificate
	Loaded    bool         // EventApplication
	Source    string       // EventError
	Err       error        // EventError, EventScan with ScanError
}

func (e Event) String() string {
	switch e.Kind {
	case EventControlLink, EventDataLink, EventSession:
		return fmt.Sprintf("%s connected=%t", e.Kind, e.Connected)
	case EventScan:
		return fmt.Sprintf("%s %s", e.Kind, e.Scan)
	case EventProbeUpdated:
		return fmt.Sprintf("%s %s %s", e.Kind, e.Probe, e.Change)
	case EventCertificate:
		return fmt.Sprintf("%s days=%d", e.Kind, e.DaysValid)
	case EventApplication:
		return fmt.Sprintf("%s loaded=%t", e.Kind, e.Loaded)
	case EventError:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Source, e.Err)
	default:
		return e.Kind.String()
	}
}

// Sink receives events from adapters. Implementations must not block for
// long and must tolerate being called from any goroutine, including from
// inside the adapter call that was handed the Sink.
type Sink func(Event)

// ControlLinkChanged builds an EventControlLink.
func ControlLinkChanged(connected bool) Event {
	return Event{Kind: EventControlLink, Connected: connected}
}

// ScanChanged builds an EventScan. err is only meaningful with ScanError.
func ScanChanged(state ScanState, err error) Event {
	return Event{Kind: EventScan, Scan: state, Err: err}
}

// ProbeUpdated builds an EventProbeUpdated from a registry update.
func ProbeUpdated(u probe.Update) Event {
	return Event{Kind: EventProbeUpdated, Probe: u.Identity.Name, Change: u.Change}
}

// DataLinkChanged builds an EventDataLink.
func DataLinkChanged(joined bool, networkID string) Event {
	return Event{Kind: EventDataLink, Connected: joined, NetworkID: networkID}
}

// SessionChanged builds an EventSession.
func SessionChanged(connected bool) Event {
	return Event{Kind: EventSession, Connected: connected}
}

// CertificateChecked builds an EventCertificate.
func CertificateChecked(daysValid int) Event {
	return Event{Kind: EventCertificate, DaysValid: daysValid}
}

// ApplicationLoaded builds an EventApplication.
func ApplicationLoaded(loaded bool) Event {
	return Event{Kind: EventApplication, Loaded: loaded}
}

// Failed builds an EventError.
func Failed(source string, err error) Event {
	return Event{Kind: EventError, Source: source, Err: err}
}

// ControlLink is the BLE side: discovery, connection, and the power request.
// Telemetry (power state, credentials) is written to the probe registry,
// not reported through the Sink.
type ControlLink interface {
	// StartScan begins discovering probes. Scan state changes are reported
	// to sink; discovered probes land in the registry.
	StartScan(sink Sink) error
	// StopScan ends a running scan. It is a no-op when not scanning.
	StopScan()
	// Connect starts connecting to the probe and returns immediately. The
	// outcome and any later drop are reported as EventControlLink.
	Connect(id probe.Identity, sink Sink) error
	// SetPower queues a write to the probe's power-request characteristic.
	SetPower(on bool) error
	// Disconnect drops the connection and any queued commands.
	Disconnect()
}

// DataLink joins and leaves the probe's Wi-Fi network.
type DataLink interface {
	// Join starts joining the network and returns immediately. networkID
	// pins a specific access point when non-empty.
	Join(creds protocol.Credentials, networkID string, sink Sink) error
	// Leave deactivates the network. It is a no-op when not joined.
	Leave()
}

// Session is the application-level connection to the probe.
type Session interface {
	// Open starts connecting and returns immediately. Connection state and
	// the certificate check are reported through sink.
	Open(probeName, ip string, port int, sink Sink) error
	// LoadApplication selects the probe model and application profile.
	LoadApplication(model, application string) error
	// SetImaging starts or stops imaging.
	SetImaging(on bool) error
	// PowerDown asks the probe to power itself off.
	PowerDown() error
	// Close ends the session. It is a no-op when not connected.
	Close()
}
