// Package probe keeps the directory of probes discovered over BLE, keyed by
// advertised name, and notifies observers whenever an entry changes.
package probe

import (
	"sort"
	"sync"

	"github.com/chaz8081/probelink/internal/ble/protocol"
)

// Identity is everything known about one probe.
type Identity struct {
	Name        string
	Address     string // BLE address
	NetworkID   string // inferred or observed access point BSSID
	Powered     bool
	Credentials *protocol.Credentials
}

// NetworkReady reports whether the probe has published credentials saying
// its access point is up.
func (id Identity) NetworkReady() bool {
	return id.Credentials.Ready()
}

// Change says which part of an Identity an update touched.
type Change int

const (
	ChangeDiscovered Change = iota
	ChangePower
	ChangeCredentials
	ChangeNetworkID
	ChangeTelemetryCleared
	ChangeReset // Identity is zero: every entry was dropped
)

func (c Change) String() string {
	switch c {
	case ChangeDiscovered:
		return "discovered"
	case ChangePower:
		return "power"
	case ChangeCredentials:
		return "credentials"
	case ChangeNetworkID:
		return "network-id"
	case ChangeTelemetryCleared:
		return "telemetry-cleared"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Update is delivered to observers after a mutation is visible to readers.
type Update struct {
	Change   Change
	Identity Identity
}

// Observer receives registry updates. Observers run on the goroutine that
// performed the mutation, outside the registry lock, and may read the
// registry.
type Observer func(Update)

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]*Identity

	obsMu     sync.Mutex
	observers []Observer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]*Identity)}
}

// Observe registers fn for all subsequent updates.
func (r *Registry) Observe(fn Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// UpsertFromScan records a probe seen in a scan. The first address seen
// for a name wins; later sightings are ignored. Reports whether an entry
// was created.
func (r *Registry) UpsertFromScan(address, name string) bool {
	if name == "" {
		return false
	}

	r.mu.Lock()
	if _, ok := r.probes[name]; ok {
		r.mu.Unlock()
		return false
	}
	id := &Identity{Name: name, Address: address}
	if networkID, ok := protocol.InferNetworkID(address); ok {
		id.NetworkID = networkID
	}
	r.probes[name] = id
	snapshot := *id
	r.mu.Unlock()

	r.publish(Update{Change: ChangeDiscovered, Identity: snapshot})
	return true
}

// UpdatePower sets the power state of a known probe.
func (r *Registry) UpdatePower(name string, powered bool) {
	r.mutate(name, ChangePower, func(id *Identity) { id.Powered = powered })
}

// UpdateCredentials replaces the credentials of a known probe.
func (r *Registry) UpdateCredentials(name string, creds protocol.Credentials) {
	r.mutate(name, ChangeCredentials, func(id *Identity) {
		c := creds
		id.Credentials = &c
	})
}

// UpdateNetworkID replaces the access point identifier of a known probe,
// typically with the BSSID observed after joining its network.
func (r *Registry) UpdateNetworkID(name, networkID string) {
	if networkID == "" {
		return
	}
	r.mutate(name, ChangeNetworkID, func(id *Identity) { id.NetworkID = networkID })
}

// ClearTelemetry forgets the power state and credentials of a known probe,
// so that only values published after the call are trusted. The address and
// network identifier are kept.
func (r *Registry) ClearTelemetry(name string) {
	r.mutate(name, ChangeTelemetryCleared, func(id *Identity) {
		id.Powered = false
		id.Credentials = nil
	})
}

// mutate applies fn to the named entry and publishes the result. Absent
// names are a no-op.
func (r *Registry) mutate(name string, change Change, fn func(*Identity)) {
	r.mu.Lock()
	id, ok := r.probes[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(id)
	snapshot := *id
	r.mu.Unlock()

	r.publish(Update{Change: change, Identity: snapshot})
}

// Get returns a copy of the named entry.
func (r *Registry) Get(name string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.probes[name]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// List returns copies of all entries sorted by name.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	out := make([]Identity, 0, len(r.probes))
	for _, id := range r.probes {
		out = append(out, *id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of known probes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.probes)
}

// Reset forgets every probe and publishes a single ChangeReset update.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.probes = make(map[string]*Identity)
	r.mu.Unlock()

	r.publish(Update{Change: ChangeReset})
}

func (r *Registry) publish(u Update) {
	r.obsMu.Lock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.Unlock()

	for _, fn := range observers {
		fn(u)
	}
}
