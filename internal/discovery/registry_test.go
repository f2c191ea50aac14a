package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/clocklink/internal/ble"
)

func TestUpsertDeduplicatesLastWriteWins(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2025, 10, 18, 12, 0, 0, 0, time.UTC)
	rssis := []int{-80, -42, -67, -55}
	for i, rssi := range rssis {
		r.Upsert(ble.Advertisement{ID: "dev-1", Name: "ESP32 BLE Clock", RSSI: rssi}, base.Add(time.Duration(i)*time.Second))
	}

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	d, ok := r.Get("dev-1")
	if !ok {
		t.Fatal("Get(dev-1) not found")
	}
	if d.RSSI != -55 {
		t.Errorf("RSSI = %d, want -55 (last inserted)", d.RSSI)
	}
	if want := base.Add(3 * time.Second); !d.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", d.Timestamp, want)
	}
}

func TestUpsertReportsNew(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	if _, isNew := r.Upsert(ble.Advertisement{ID: "a"}, now); !isNew {
		t.Error("first Upsert should report new")
	}
	if _, isNew := r.Upsert(ble.Advertisement{ID: "a"}, now); isNew {
		t.Error("second Upsert should not report new")
	}
}

func TestUpsertUsesAdvertisementTimestamp(t *testing.T) {
	r := NewRegistry()
	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d, _ := r.Upsert(ble.Advertisement{ID: "a", SeenAt: seen}, time.Now())
	if !d.Timestamp.Equal(seen) {
		t.Errorf("Timestamp = %v, want %v", d.Timestamp, seen)
	}
}

func TestUpsertKeepsNameWhenMissing(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Upsert(ble.Advertisement{ID: "a", Name: "Clock", RSSI: -50}, now)
	r.Upsert(ble.Advertisement{ID: "a", RSSI: -60}, now)
	d, _ := r.Get("a")
	if d.Name != "Clock" {
		t.Errorf("Name = %q, want Clock", d.Name)
	}
	if d.RSSI != -60 {
		t.Errorf("RSSI = %d, want -60", d.RSSI)
	}
}

func TestListRankedBySignal(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Upsert(ble.Advertisement{ID: "far", RSSI: -90}, now)
	r.Upsert(ble.Advertisement{ID: "near", RSSI: -30}, now)
	r.Upsert(ble.Advertisement{ID: "mid-b", Name: "B", RSSI: -60}, now)
	r.Upsert(ble.Advertisement{ID: "mid-a", Name: "A", RSSI: -60}, now)

	var got []string
	for _, d := range r.List() {
		got = append(got, d.ID)
	}
	want := "near,mid-a,mid-b,far"
	if strings.Join(got, ",") != want {
		t.Errorf("List() order = %v, want %s", got, want)
	}
}

func TestPruneAndReset(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2025, 10, 18, 12, 0, 0, 0, time.UTC)
	r.Upsert(ble.Advertisement{ID: "old"}, base)
	r.Upsert(ble.Advertisement{ID: "new"}, base.Add(time.Minute))

	if n := r.Prune(base.Add(30 * time.Second)); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, ok := r.Get("old"); ok {
		t.Error("old device should have been pruned")
	}
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", r.Len())
	}
}

func TestPruneEveryDropsStaleDevices(t *testing.T) {
	r := NewRegistry()
	r.Upsert(ble.Advertisement{ID: "gone"}, time.Now().Add(-time.Hour))
	r.Upsert(ble.Advertisement{ID: "fresh"}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.PruneEvery(ctx, time.Millisecond, time.Minute)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if _, ok := r.Get("gone"); ok {
		t.Error("stale device was not pruned")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh device was pruned")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PruneEvery did not stop on cancel")
	}
}

func TestConcurrentFlood(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Upsert(ble.Advertisement{ID: fmt.Sprintf("dev-%d", i%50), RSSI: -i % 100}, time.Now())
				if i%100 == 0 {
					_ = r.List()
				}
			}
		}(w)
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Errorf("Len() = %d, want 50", r.Len())
	}
}

func TestDescribe(t *testing.T) {
	d := Device{Fields: map[string]any{
		ble.FieldManufacturerData: []byte{0xFF, 0xFF, 0x01},
		ble.FieldServiceUUIDs:     []string{ble.ServiceUUID},
		ble.FieldLocalName:        "ESP32 BLE Clock",
	}}
	got := d.Describe()
	for _, want := range []string{"Manufacturer: ffff01", "Services: " + ble.ServiceUUID, "Local Name: ESP32 BLE Clock"} {
		if !strings.Contains(got, want) {
			t.Errorf("Describe() = %q, missing %q", got, want)
		}
	}
	if (Device{}).Describe() != "No advertisement data" {
		t.Errorf("empty Describe() = %q", (Device{}).Describe())
	}
	if (Device{}).DisplayName() != "Unknown Device" {
		t.Errorf("DisplayName() = %q", (Device{}).DisplayName())
	}
}
