// Package discovery keeps the deduplicated catalog of devices seen while
// scanning.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/clocklink/internal/ble"
)

// Device is the latest known state of one advertising peripheral.
type Device struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	RSSI      int            `json:"rssi"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DisplayName returns the advertised name or a placeholder.
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "Unknown Device"
	}
	return d.Name
}

// Describe renders the advertisement fields for debug output.
func (d Device) Describe() string {
	var b strings.Builder
	if md, ok := d.Fields[ble.FieldManufacturerData].([]byte); ok && len(md) > 0 {
		fmt.Fprintf(&b, "Manufacturer: %s\n", hex.EncodeToString(md))
	}
	if svcs, ok := d.Fields[ble.FieldServiceUUIDs].([]string); ok && len(svcs) > 0 {
		fmt.Fprintf(&b, "Services: %s\n", strings.Join(svcs, ", "))
	}
	if name, ok := d.Fields[ble.FieldLocalName].(string); ok && name != "" {
		fmt.Fprintf(&b, "Local Name: %s\n", name)
	}
	if b.Len() == 0 {
		return "No advertisement data"
	}
	return b.String()
}

// Registry holds at most one Device per identifier. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Upsert records adv, replacing any previous entry for the same ID
// (last write wins). A zero SeenAt is replaced by now. Returns the stored
// entry and whether it was new.
func (r *Registry) Upsert(adv ble.Advertisement, now time.Time) (Device, bool) {
	ts := adv.SeenAt
	if ts.IsZero() {
		ts = now
	}
	d := Device{
		ID:        adv.ID,
		Name:      adv.Name,
		RSSI:      adv.RSSI,
		Fields:    adv.Fields,
		Timestamp: ts,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.devices[adv.ID]
	// Some stacks omit the name from scan responses; keep the last one seen.
	if d.Name == "" && existed {
		d.Name = prev.Name
	}
	r.devices[adv.ID] = d
	return d, !existed
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// List returns all devices ranked by signal strength, strongest first.
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prune drops devices not seen since cutoff and returns how many were removed.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, d := range r.devices {
		if d.Timestamp.Before(cutoff) {
			delete(r.devices, id)
			n++
		}
	}
	return n
}

// PruneEvery drops devices older than maxAge once per period until ctx is
// done.
func (r *Registry) PruneEvery(ctx context.Context, period, maxAge time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Prune(now.Add(-maxAge))
		}
	}
}

// Reset forgets every device.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]Device)
}
