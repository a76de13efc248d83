package discovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/netwatch/cdpcrawl/pkg/template"
)

// Result is everything one successful Session produced: the identified
// Device and the neighbors it reported, still unfiltered against the
// Store's de-dup records. The Engine is responsible for admitting both.
type Result struct {
	Device    Device
	Neighbors []NeighborRecord
}

// Session drives one device through connect, identify, inventory, and
// neighbor discovery, always disconnecting before returning. It holds no
// state between devices — a fresh Session is built per QueueEntry — so a
// single Config and Loader can be shared read-only across every worker.
type Session struct {
	newTransport func() Transport
	loader       *template.Loader
	conn         ConnectionConfig
	filters      FilterConfig
}

// NewSession returns a Session. newTransport is called once per Run to
// obtain a fresh Transport — production callers pass a closure over
// NewSSHTransport; tests pass one that returns a FakeTransport.
func NewSession(newTransport func() Transport, loader *template.Loader, conn ConnectionConfig, filters FilterConfig) *Session {
	return &Session{newTransport: newTransport, loader: loader, conn: conn, filters: filters}
}

// Run executes the full device workflow against seed. On a connect
// failure, it returns a *ConnectFailure and a zero Result — there is
// nothing further to attempt. Past a successful connect, a failure in any
// single command (other than "show version") leaves the corresponding fact
// blank rather than aborting the Session; that error is neither returned
// nor logged.
func (s *Session) Run(seed Seed) (Result, error) {
	transport := s.newTransport()
	defer transport.Disconnect()

	if err := s.connectWithRetry(transport, seed); err != nil {
		return Result{}, err
	}

	version, err := s.runCommandWithRetry(transport, "show version")
	if err != nil {
		return Result{}, &CommandFailure{Hostname: seed.Hostname, Command: "show version", Attempts: s.conn.RetryAttempts, Cause: err}
	}

	versionRecs, err := s.parseVersion(version)
	if err != nil {
		return Result{}, &CommandFailure{Hostname: seed.Hostname, Command: "show version", Attempts: 1, Cause: err}
	}

	platform := versionRecs[0]["PLATFORM"]
	deviceType := Classify(platform, s.filters)

	family := DefaultTemplateDir
	if key, ok := transportKeyFor(deviceType); ok {
		family = templateDirFor(deviceType)
		transport.SetDeviceType(key)
	}

	device := Device{
		Hostname:     NormalizeHostname(seed.Hostname),
		IPAddress:    seed.IPAddress,
		Platform:     platform,
		DeviceType:   deviceType,
		DiscoveredAt: nowUTC(),
		LastUpdated:  nowUTC(),
	}

	if serial := versionRecs[0]["SERIAL"]; serial != "" {
		device.SerialNumber = serial
	} else if serial, ok := s.inventorySerial(transport, family); ok {
		device.SerialNumber = serial
	}

	neighbors, selfIP := s.collectNeighbors(transport, family, device.Hostname)
	if device.IPAddress == "" && selfIP != "" {
		device.IPAddress = selfIP
	}

	return Result{Device: device, Neighbors: neighbors}, nil
}

// parseVersion identifies a device's dialect before its device type is
// known by trying each family's version template against the same raw
// output, keeping the first one that produces a record. Real IOS and
// NX-OS banners never both match: the two templates' PLATFORM patterns
// are disjoint.
func (s *Session) parseVersion(output string) ([]template.Record, error) {
	for _, family := range []string{DefaultTemplateDir, "nxos"} {
		tmpl, err := s.loader.Load(family, "version")
		if err != nil {
			continue
		}
		recs, err := tmpl.ParseText(output)
		if err == nil && len(recs) > 0 {
			return recs, nil
		}
	}
	return nil, fmt.Errorf("no version record parsed from output")
}

// inventorySerial falls back to "show inventory" (chassis entry) when
// "show version" output didn't carry a serial, a common split across
// Cisco platforms. A modular chassis lists a line card, PSU, or fan-tray
// entry before the chassis one, each often carrying its own serial, so the
// chassis record is selected by NAME containing "chassis" rather than by
// parse order.
func (s *Session) inventorySerial(transport Transport, family string) (string, bool) {
	output, err := s.runCommandWithRetry(transport, "show inventory")
	if err != nil {
		return "", false
	}
	tmpl, err := s.loader.Load(family, "inventory")
	if err != nil {
		return "", false
	}
	recs, err := tmpl.ParseText(output)
	if err != nil {
		return "", false
	}
	for _, r := range recs {
		if strings.Contains(strings.ToLower(r["NAME"]), "chassis") && r["SN"] != "" {
			return r["SN"], true
		}
	}
	return "", false
}

// collectNeighbors runs "show cdp neighbors detail" and parses it into
// NeighborRecords, dropping any without a management IP. It also applies
// the self-reference rule: a neighbor entry whose normalized hostname
// equals the local device's own hostname isn't a neighbor at all — some
// platforms echo the local device's own loopback back through CDP — so
// its management IP is returned separately as selfIP rather than queued
// as a neighbor, for Run to adopt as the local device's IP when the seed
// didn't supply one.
func (s *Session) collectNeighbors(transport Transport, family, localHostname string) (neighbors []NeighborRecord, selfIP string) {
	output, err := s.runCommandWithRetry(transport, "show cdp neighbors detail")
	if err != nil {
		return nil, ""
	}
	tmpl, err := s.loader.Load(family, "cdp_neighbors_detail")
	if err != nil {
		return nil, ""
	}
	recs, err := tmpl.ParseText(output)
	if err != nil {
		return nil, ""
	}

	for _, r := range recs {
		hostname := NormalizeHostname(r["DEVICE_ID"])
		if hostname == "" {
			continue
		}
		ip := r["MANAGEMENT_IP"]

		if hostname == localHostname {
			if ip != "" {
				selfIP = ip
			}
			continue
		}
		if ip == "" {
			continue
		}

		neighbors = append(neighbors, NeighborRecord{
			Hostname:        hostname,
			Platform:        r["PLATFORM"],
			DeviceType:      Classify(r["PLATFORM"], s.filters),
			IPAddress:       ip,
			LocalInterface:  r["LOCAL_INTERFACE"],
			RemoteInterface: r["PORT_ID"],
			Capabilities:    r["CAPABILITY"],
		})
	}
	return neighbors, selfIP
}

// connectWithRetry attempts Connect up to conn.RetryAttempts times. Each
// attempt tries the hostname first, falling back to the IP within the
// same attempt when the two differ, sleeping RetryDelay between attempts.
func (s *Session) connectWithRetry(transport Transport, seed Seed) error {
	var lastErr error
	attempts := maxInt(1, s.conn.RetryAttempts)

	primary := seed.Hostname
	if primary == "" {
		primary = seed.IPAddress
	}
	fallback := ""
	if seed.IPAddress != "" && seed.IPAddress != primary {
		fallback = seed.IPAddress
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := transport.Connect(primary, DefaultTransportKey)
		if err == nil {
			return nil
		}
		lastErr = err

		if fallback != "" {
			err = transport.Connect(fallback, DefaultTransportKey)
			if err == nil {
				return nil
			}
			lastErr = err
		}

		if attempt < attempts {
			sleep(s.conn.RetryDelayDuration())
		}
	}

	return &ConnectFailure{Hostname: seed.Hostname, IPAddress: seed.IPAddress, Attempts: attempts, Cause: lastErr}
}

// runCommandWithRetry issues cmd up to conn.RetryAttempts times, returning
// the first successful output.
func (s *Session) runCommandWithRetry(transport Transport, cmd string) (string, error) {
	var lastErr error
	attempts := maxInt(1, s.conn.RetryAttempts)

	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := transport.SendCommand(cmd)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < attempts {
			sleep(s.conn.RetryDelayDuration())
		}
	}

	return "", fmt.Errorf("%s: %w", cmd, lastErr)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// sleep and nowUTC are indirected through variables so tests can run a
// full Session without real wall-clock delay or time-dependent assertions.
var sleep = time.Sleep

var nowUTC = func() time.Time { return time.Now().UTC() }
