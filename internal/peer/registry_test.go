package peer

import (
	"testing"
	"time"

	"lansend/internal/wire"
)

func device(fingerprint, ip string, port int) wire.DeviceInfo {
	return wire.DeviceInfo{
		Alias:       fingerprint,
		Fingerprint: fingerprint,
		IP:          ip,
		Port:        port,
		Protocol:    wire.ProtocolHTTP,
	}
}

func TestUpsertIgnoresSelf(t *testing.T) {
	r := New("self-fp", time.Second)
	defer r.Close()

	_, err := r.Upsert(device("self-fp", "10.0.0.1", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("registry should be unchanged for self fingerprint sightings")
	}
}

func TestUpsertAddedThenRefreshedThenUpdated(t *testing.T) {
	r := New("self-fp", time.Minute)
	defer r.Close()

	res, err := r.Upsert(device("A", "10.0.0.2", 100))
	if err != nil || res != Added {
		t.Fatalf("expected Added, got %v err=%v", res, err)
	}

	res, err = r.Upsert(device("A", "10.0.0.2", 100))
	if err != nil || res != Refreshed {
		t.Fatalf("expected Refreshed, got %v err=%v", res, err)
	}

	res, err = r.Upsert(device("A", "10.0.0.3", 100))
	if err != nil || res != Updated {
		t.Fatalf("expected Updated on IP change, got %v err=%v", res, err)
	}
}

func TestSweepExpiredEvictsStaleEntries(t *testing.T) {
	r := New("self-fp", 10*time.Millisecond)
	defer r.Close()

	if _, err := r.Upsert(device("A", "10.0.0.2", 100)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	evicted := r.SweepExpired(time.Now())
	if len(evicted) != 1 || evicted[0] != "A" {
		t.Fatalf("expected A evicted, got %v", evicted)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot after eviction")
	}
}

func TestSnapshotOrderedByAliasThenFingerprint(t *testing.T) {
	r := New("self-fp", time.Minute)
	defer r.Close()

	devB := device("B", "10.0.0.2", 1)
	devB.Alias = "Bravo"
	devA := device("A", "10.0.0.3", 1)
	devA.Alias = "Alpha"

	if _, err := r.Upsert(devB); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Upsert(devA); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Fingerprint != "A" || snap[1].Fingerprint != "B" {
		t.Fatalf("unexpected ordering: %+v", snap)
	}
}

func TestSubscribeReceivesChangeEvents(t *testing.T) {
	r := New("self-fp", time.Minute)
	defer r.Close()

	events := r.Subscribe(8)
	if _, err := r.Upsert(device("A", "10.0.0.2", 1)); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Kind != ChangeAdded || ev.Fingerprint != "A" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
