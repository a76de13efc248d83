package discovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netwatch/cdpcrawl/pkg/template"
)

// fakeStore is an in-memory Store double. It enforces the same admit-once
// semantics the real SQLite store guarantees, so tests exercise the
// Engine's dedup behavior without a database.
type fakeStore struct {
	mu        sync.Mutex
	admitted  map[string]bool // keyed by hostname and by ip
	devices   []Device
	processed map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		admitted:  make(map[string]bool),
		processed: make(map[string]bool),
	}
}

func (s *fakeStore) Admit(hostname, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admitted[hostname] || (ip != "" && s.admitted[ip]) {
		return false, nil
	}
	s.admitted[hostname] = true
	if ip != "" {
		s.admitted[ip] = true
	}
	return true, nil
}

func (s *fakeStore) MarkProcessing(hostname, ip string) error { return nil }

func (s *fakeStore) MarkProcessed(hostname, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[hostname] = true
	return nil
}

func (s *fakeStore) SaveDevice(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, d)
	return nil
}

func (s *fakeStore) snapshot() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// scriptedTransports maps a hostname to the FakeTransport that should answer
// for it, so a single Engine test can drive a multi-device topology with
// one Session factory.
type scriptedTransports struct {
	mu sync.Mutex
	byHost map[string]*FakeTransport
}

func newScriptedTransports() *scriptedTransports {
	return &scriptedTransports{byHost: make(map[string]*FakeTransport)}
}

func (s *scriptedTransports) set(hostname string, ft *FakeTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHost[hostname] = ft
}

func (s *scriptedTransports) sessionFactory(loader *template.Loader, conn ConnectionConfig, filters FilterConfig) func(seed Seed) *Session {
	return func(seed Seed) *Session {
		return NewSession(func() Transport {
			s.mu.Lock()
			ft, ok := s.byHost[seed.Hostname]
			s.mu.Unlock()
			if !ok {
				ft = NewFakeTransport()
				ft.ConnectErr = errors.New("no route to host")
			}
			return ft
		}, loader, conn, filters)
	}
}

func runEngine(t *testing.T, st *fakeStore, transports *scriptedTransports, seeds []Seed, workers int) *Engine {
	t.Helper()
	conn := ConnectionConfig{RetryAttempts: 2, RetryDelay: 0, Timeout: 5}
	frontier := NewFrontier()
	stats := NewStats(time.Hour)
	e := NewEngine(frontier, st, transports.sessionFactory(template.NewLoader(), conn, FilterConfig{ExcludePlatforms: []string{"Linux"}}), stats, 20*time.Millisecond)
	e.Start(workers)
	for _, seed := range seeds {
		e.Seed(seed)
	}

	done := make(chan struct{})
	go func() {
		e.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not complete within the test deadline")
	}
	return e
}

func iosVersion(hostname, serial string) string {
	return "Cisco IOS Software, C3560 Software (C3560-IPSERVICESK9-M), Version 12.2(55)SE12, RELEASE SOFTWARE (fc1)\n" +
		hostname + " uptime is 1 week, 0 days, 0 hours, 0 minutes\n" +
		"Processor board ID " + serial + "\n"
}

func cdpNeighbor(deviceID, ip, platform string) string {
	return "-------------------------\n" +
		"Device ID: " + deviceID + "\n" +
		"Entry address(es):\n" +
		"  IP address: " + ip + "\n" +
		"Platform: " + platform + ",  Capabilities: Router\n" +
		"Interface: GigabitEthernet0/1,  Port ID (outgoing port): GigabitEthernet0/1\n"
}

// S1: a single device with no neighbors admits one device and terminates.
func TestEngineSingleDeviceNoNeighbors(t *testing.T) {
	defer noSleep()()

	ft := NewFakeTransport()
	ft.Commands["show version"] = iosVersion("rtr-a", "FOC1112Z1RQ")
	ft.Commands["show cdp neighbors detail"] = ""

	transports := newScriptedTransports()
	transports.set("rtr-a", ft)

	st := newFakeStore()
	runEngine(t, st, transports, []Seed{{Hostname: "rtr-a", IPAddress: "10.0.0.1"}}, 4)

	devices := st.snapshot()
	if len(devices) != 1 || devices[0].Hostname != "rtr-a" {
		t.Fatalf("expected exactly rtr-a saved, got %+v", devices)
	}
}

// S2: a linear chain A -> B -> C is fully discovered.
func TestEngineChainOfThreeDevices(t *testing.T) {
	defer noSleep()()

	a := NewFakeTransport()
	a.Commands["show version"] = iosVersion("rtr-a", "SN-A")
	a.Commands["show cdp neighbors detail"] = cdpNeighbor("rtr-b", "10.0.0.2", "Cisco IOS Software")

	b := NewFakeTransport()
	b.Commands["show version"] = iosVersion("rtr-b", "SN-B")
	b.Commands["show cdp neighbors detail"] = cdpNeighbor("rtr-c", "10.0.0.3", "Cisco IOS Software")

	c := NewFakeTransport()
	c.Commands["show version"] = iosVersion("rtr-c", "SN-C")
	c.Commands["show cdp neighbors detail"] = ""

	transports := newScriptedTransports()
	transports.set("rtr-a", a)
	transports.set("rtr-b", b)
	transports.set("rtr-c", c)

	st := newFakeStore()
	runEngine(t, st, transports, []Seed{{Hostname: "rtr-a", IPAddress: "10.0.0.1"}}, 4)

	devices := st.snapshot()
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices discovered across the chain, got %d: %+v", len(devices), devices)
	}
}

// S3: two devices both reporting the same neighbor under real parallelism
// must admit it exactly once.
func TestEngineDuplicateNeighborUnderParallelism(t *testing.T) {
	defer noSleep()()

	a := NewFakeTransport()
	a.Commands["show version"] = iosVersion("rtr-a", "SN-A")
	a.Commands["show cdp neighbors detail"] = cdpNeighbor("rtr-shared", "10.0.0.9", "Cisco IOS Software")

	b := NewFakeTransport()
	b.Commands["show version"] = iosVersion("rtr-b", "SN-B")
	b.Commands["show cdp neighbors detail"] = cdpNeighbor("rtr-shared", "10.0.0.9", "Cisco IOS Software")

	shared := NewFakeTransport()
	shared.Commands["show version"] = iosVersion("rtr-shared", "SN-SHARED")
	shared.Commands["show cdp neighbors detail"] = ""

	transports := newScriptedTransports()
	transports.set("rtr-a", a)
	transports.set("rtr-b", b)
	transports.set("rtr-shared", shared)

	st := newFakeStore()
	runEngine(t, st, transports, []Seed{
		{Hostname: "rtr-a", IPAddress: "10.0.0.1"},
		{Hostname: "rtr-b", IPAddress: "10.0.0.2"},
	}, 8)

	devices := st.snapshot()
	sharedCount := 0
	for _, d := range devices {
		if d.Hostname == "rtr-shared" {
			sharedCount++
		}
	}
	if sharedCount != 1 {
		t.Fatalf("expected rtr-shared to be admitted exactly once under 8 workers, got %d (devices: %+v)", sharedCount, devices)
	}
	if len(devices) != 3 {
		t.Fatalf("expected rtr-a, rtr-b and rtr-shared, got %d: %+v", len(devices), devices)
	}
}

// S4: a neighbor classified "excluded" is never admitted or connected to.
func TestEngineExcludedNeighborIsNeverSeeded(t *testing.T) {
	defer noSleep()()

	a := NewFakeTransport()
	a.Commands["show version"] = iosVersion("rtr-a", "SN-A")
	a.Commands["show cdp neighbors detail"] = cdpNeighbor("build-server", "10.0.0.50", "Linux")

	transports := newScriptedTransports()
	transports.set("rtr-a", a)

	st := newFakeStore()
	runEngine(t, st, transports, []Seed{{Hostname: "rtr-a", IPAddress: "10.0.0.1"}}, 4)

	devices := st.snapshot()
	if len(devices) != 1 {
		t.Fatalf("expected only rtr-a, excluded neighbor must not be admitted: %+v", devices)
	}
}

// S5: a seed whose connect fails after retries still lets the crawl
// terminate normally, with no device row for it.
func TestEngineConnectFailureTerminatesNormally(t *testing.T) {
	defer noSleep()()

	dead := NewFakeTransport()
	dead.ConnectErr = errors.New("connection refused")

	transports := newScriptedTransports()
	transports.set("rtr-dead", dead)

	st := newFakeStore()
	runEngine(t, st, transports, []Seed{{Hostname: "rtr-dead", IPAddress: "10.0.0.254"}}, 4)

	if devices := st.snapshot(); len(devices) != 0 {
		t.Fatalf("expected no device saved for an unreachable seed, got %+v", devices)
	}
	if !st.processed["rtr-dead"] {
		t.Error("expected the failed seed to still be marked processed")
	}
}

// S7: a seed recovered from a crash (already admitted in the Store, as
// ResumeQueue would return it) reaches a Session through Resume even
// though Seed would refuse to re-admit it.
func TestEngineResumeReachesSession(t *testing.T) {
	defer noSleep()()

	ft := NewFakeTransport()
	ft.Commands["show version"] = iosVersion("rtr-a", "FOC1112Z1RQ")
	ft.Commands["show cdp neighbors detail"] = ""

	transports := newScriptedTransports()
	transports.set("rtr-a", ft)

	st := newFakeStore()
	seed := Seed{Hostname: "rtr-a", IPAddress: "10.0.0.1"}
	// Simulate the row ResumeQueue would return: already admitted by a
	// prior, crashed run, so a plain Seed call would find it already
	// admitted and silently drop it.
	if _, err := st.Admit(seed.Hostname, seed.IPAddress); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	conn := ConnectionConfig{RetryAttempts: 2, RetryDelay: 0, Timeout: 5}
	frontier := NewFrontier()
	stats := NewStats(time.Hour)
	e := NewEngine(frontier, st, transports.sessionFactory(template.NewLoader(), conn, FilterConfig{}), stats, 20*time.Millisecond)
	e.Start(4)
	e.Resume(seed)

	done := make(chan struct{})
	go func() {
		e.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not complete within the test deadline")
	}

	devices := st.snapshot()
	if len(devices) != 1 || devices[0].Hostname != "rtr-a" {
		t.Fatalf("expected the resumed seed to reach a Session and save rtr-a, got %+v", devices)
	}
	if !st.processed["rtr-a"] {
		t.Error("expected the resumed seed to be marked processed")
	}
}

// S8: WaitForCompletion must return once Stop is called externally, even
// with a seed still sitting unconsumed in the Frontier (e.g. every worker
// busy elsewhere when the interrupt arrives) — it must not wait forever
// for that seed's pending entry to be decremented by a worker that will
// never take it.
func TestEngineWaitForCompletionReturnsOnExternalStop(t *testing.T) {
	defer noSleep()()

	st := newFakeStore()
	transports := newScriptedTransports()
	conn := ConnectionConfig{RetryAttempts: 1, RetryDelay: 0, Timeout: 5}
	frontier := NewFrontier()
	stats := NewStats(time.Hour)
	e := NewEngine(frontier, st, transports.sessionFactory(template.NewLoader(), conn, FilterConfig{}), stats, 20*time.Millisecond)

	// No workers started: this seed can never be taken off the Frontier,
	// so its pending entry can never be decremented by a worker.
	e.Resume(Seed{Hostname: "rtr-stuck", IPAddress: "10.0.0.1"})

	done := make(chan struct{})
	go func() {
		e.WaitForCompletion()
		close(done)
	}()

	e.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCompletion did not return after an external Stop with a seed still pending")
	}
}

// S6: an NX-OS device is identified and its neighbors still crawled.
func TestEngineNXOSDeviceDiscoversNeighbor(t *testing.T) {
	defer noSleep()()

	core := NewFakeTransport()
	core.Commands["show version"] = "Cisco Nexus Operating System (NX-OS) Software\nNXOS: version 9.3(5)\nsw-core uptime is 1 day\nProcessor Board ID FOXCORE\n"
	core.Commands["show cdp neighbors detail"] = cdpNeighbor("rtr-edge", "10.0.0.20", "Cisco IOS Software")

	edge := NewFakeTransport()
	edge.Commands["show version"] = iosVersion("rtr-edge", "SN-EDGE")
	edge.Commands["show cdp neighbors detail"] = ""

	transports := newScriptedTransports()
	transports.set("sw-core", core)
	transports.set("rtr-edge", edge)

	st := newFakeStore()
	runEngine(t, st, transports, []Seed{{Hostname: "sw-core", IPAddress: "10.0.0.5"}}, 4)

	devices := st.snapshot()
	var coreDevice, edgeDevice *Device
	for i := range devices {
		switch devices[i].Hostname {
		case "sw-core":
			coreDevice = &devices[i]
		case "rtr-edge":
			edgeDevice = &devices[i]
		}
	}
	if coreDevice == nil || coreDevice.DeviceType != "cisco_nxos" {
		t.Fatalf("expected sw-core classified cisco_nxos, got %+v", coreDevice)
	}
	if edgeDevice == nil || edgeDevice.DeviceType != "cisco_ios" {
		t.Fatalf("expected rtr-edge classified cisco_ios, got %+v", edgeDevice)
	}
	if !core.Disconnected || !edge.Disconnected {
		t.Error("expected both transports to be disconnected")
	}
}
