package discovery

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"golang.org/x/sync/errgroup"

	"labelhub/internal/connector"
	"labelhub/internal/model"
)

const (
	oidSysName  = ".1.3.6.1.2.1.1.5.0"
	oidSysDescr = ".1.3.6.1.2.1.1.1.0"

	oidSupplyDesc  = ".1.3.6.1.2.1.43.11.1.1.6.1"
	oidSupplyMax   = ".1.3.6.1.2.1.43.11.1.1.8.1"
	oidSupplyLevel = ".1.3.6.1.2.1.43.11.1.1.9.1"
)

type snmpScanner struct{}

func (snmpScanner) Name() string { return "snmp" }

func (snmpScanner) Transports() []model.Transport {
	return []model.Transport{model.TransportNetwork}
}

func (snmpScanner) Scan(ctx context.Context, opts Options) ([]model.DeviceDescriptor, error) {
	community := snmpCommunity(opts.Community)
	devices := []model.DeviceDescriptor{}
	for _, entry := range splitEnvList(os.Getenv("LABELHUB_SNMP_HOSTS")) {
		if ctx.Err() != nil {
			break
		}
		host := deviceHost(entry)
		if host == "" {
			continue
		}
		name, descr, _ := probeAgent(host, community, 0)
		devices = append(devices, snmpDevice(host, name, descr))
	}
	subnets := opts.Subnets
	if len(subnets) == 0 {
		subnets = splitEnvList(os.Getenv("LABELHUB_SNMP_SUBNETS"))
	}
	if len(subnets) > 0 {
		devices = append(devices, sweepSubnets(ctx, subnets, community)...)
	}
	return devices, nil
}

func snmpDevice(host, name, descr string) model.DeviceDescriptor {
	if name == "" {
		name = host
	}
	return model.DeviceDescriptor{
		Address:   host,
		Name:      name,
		URI:       "socket://" + net.JoinHostPort(host, connector.DefaultPortRaw),
		Transport: model.TransportNetwork,
		Model:     strings.TrimSpace(descr),
		Source:    "snmp",
		SeenAt:    time.Now(),
	}
}

// sweepSubnets probes each candidate address with a short SNMP read and
// keeps hosts that answer and also expose the raw print port.
func sweepSubnets(ctx context.Context, subnets []string, community string) []model.DeviceDescriptor {
	var hosts []string
	for _, subnet := range subnets {
		hosts = append(hosts, subnetHosts(subnet)...)
	}
	if len(hosts) == 0 {
		return nil
	}

	timeout := sweepProbeTimeout()
	var (
		mu      sync.Mutex
		devices []model.DeviceDescriptor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers())
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			name, descr, err := probeAgent(host, community, timeout)
			if err != nil || !rawPortOpen(host, timeout) {
				return nil
			}
			mu.Lock()
			devices = append(devices, snmpDevice(host, name, descr))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return devices
}

func rawPortOpen(host string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, connector.DefaultPortRaw), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// SupplyStatus summarizes the printer supplies table for diagnostics.
type SupplyStatus struct {
	State   string            `json:"state"`
	Details map[string]string `json:"details,omitempty"`
}

type supplyRow struct {
	desc     string
	max      int
	level    int
	hasMax   bool
	hasLevel bool
}

// QuerySupplies reads sysName and the supplies table from the SNMP agent of
// the device behind address. The address may carry a print port or scheme;
// SNMP always goes to port 161.
func QuerySupplies(ctx context.Context, address, community string) (SupplyStatus, error) {
	if err := ctx.Err(); err != nil {
		return SupplyStatus{State: "unknown"}, err
	}
	host := deviceHost(address)
	if host == "" {
		return SupplyStatus{State: "unknown"}, nil
	}
	agent := newAgent(host, snmpCommunity(community))
	if err := agent.Connect(); err != nil {
		return SupplyStatus{State: "unknown"}, err
	}
	defer agent.Conn.Close()

	details := map[string]string{}
	if name, _, err := readSysInfo(agent); err == nil && name != "" {
		details["sysName"] = name
	}

	rows := map[string]*supplyRow{}
	row := func(name, base string) *supplyRow {
		idx := oidIndex(name, base)
		if idx == "" {
			return nil
		}
		r := rows[idx]
		if r == nil {
			r = &supplyRow{}
			rows[idx] = r
		}
		return r
	}
	_ = agent.BulkWalk(oidSupplyDesc, func(pdu gosnmp.SnmpPDU) error {
		if r := row(pdu.Name, oidSupplyDesc); r != nil {
			if s, ok := pduString(pdu.Value); ok {
				r.desc = s
			}
		}
		return nil
	})
	_ = agent.BulkWalk(oidSupplyMax, func(pdu gosnmp.SnmpPDU) error {
		if r := row(pdu.Name, oidSupplyMax); r != nil {
			if n, ok := pduInt(pdu.Value); ok {
				r.max, r.hasMax = n, true
			}
		}
		return nil
	})
	_ = agent.BulkWalk(oidSupplyLevel, func(pdu gosnmp.SnmpPDU) error {
		if r := row(pdu.Name, oidSupplyLevel); r != nil {
			if n, ok := pduInt(pdu.Value); ok {
				r.level, r.hasLevel = n, true
			}
		}
		return nil
	})

	lowest := -1
	sawLevel := false
	for idx, r := range rows {
		if !r.hasLevel {
			continue
		}
		sawLevel = true
		key := "supply." + idx
		if r.desc != "" {
			details[key+".desc"] = r.desc
		}
		details[key+".level"] = strconv.Itoa(r.level)
		if !r.hasMax {
			continue
		}
		details[key+".max"] = strconv.Itoa(r.max)
		if r.max > 0 && r.level >= 0 {
			percent := r.level * 100 / r.max
			details[key+".percent"] = strconv.Itoa(percent)
			if lowest < 0 || percent < lowest {
				lowest = percent
			}
		}
	}
	state := "unknown"
	switch {
	case !sawLevel:
	case lowest == 0:
		state = "empty"
	case lowest > 0 && lowest <= 10:
		state = "low"
	default:
		state = "ok"
	}
	return SupplyStatus{State: state, Details: details}, nil
}

func snmpCommunity(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("LABELHUB_SNMP_COMMUNITY"); env != "" {
		return env
	}
	return "public"
}

func newAgent(host, community string) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    host,
		Port:      161,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   2 * time.Second,
		Retries:   1,
	}
}

func probeAgent(host, community string, timeout time.Duration) (string, string, error) {
	agent := newAgent(host, community)
	if timeout > 0 {
		agent.Timeout = timeout
	}
	if err := agent.Connect(); err != nil {
		return "", "", err
	}
	defer agent.Conn.Close()
	return readSysInfo(agent)
}

func readSysInfo(agent *gosnmp.GoSNMP) (string, string, error) {
	pkt, err := agent.Get([]string{oidSysName, oidSysDescr})
	if err != nil {
		return "", "", err
	}
	name, descr := "", ""
	for _, pdu := range pkt.Variables {
		s, ok := pduString(pdu.Value)
		if !ok {
			continue
		}
		switch pdu.Name {
		case oidSysName:
			name = s
		case oidSysDescr:
			descr = s
		}
	}
	return name, descr, nil
}

func oidIndex(name, base string) string {
	if idx, ok := strings.CutPrefix(name, base+"."); ok {
		return idx
	}
	if idx, ok := strings.CutPrefix(name, base); ok {
		return idx
	}
	return ""
}

// pduString accepts both decode shapes gosnmp produces for OctetString.
func pduString(val any) (string, bool) {
	switch s := val.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func pduInt(val any) (int, bool) {
	switch n := val.(type) {
	case int:
		return n, true
	case uint:
		return int(n), true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

// Per-probe timeout for subnet sweeps. The pass as a whole is bounded by
// the scan context.
func sweepProbeTimeout() time.Duration {
	env := strings.TrimSpace(os.Getenv("LABELHUB_SNMP_SCAN_TIMEOUT"))
	if n, err := strconv.Atoi(env); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	if d, err := time.ParseDuration(env); err == nil && d > 0 {
		return d
	}
	return 800 * time.Millisecond
}

func sweepWorkers() int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("LABELHUB_SNMP_SCAN_CONCURRENCY")))
	if err != nil || n <= 0 {
		return 32
	}
	return min(n, 256)
}

// deviceHost reduces a device entry to the bare host the SNMP agent listens
// on. Entries may carry a scheme or a print port.
func deviceHost(entry string) string {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "://") {
		if u, err := url.Parse(entry); err == nil {
			return u.Hostname()
		}
	}
	if host, _, err := net.SplitHostPort(entry); err == nil && host != "" {
		return host
	}
	return entry
}

// subnetHosts expands an IPv4 CIDR into its host addresses, network and
// broadcast excluded. Prefixes wider than /24 are refused.
func subnetHosts(cidr string) []string {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil || !prefix.Addr().Is4() || prefix.Bits() < 24 {
		return nil
	}
	prefix = prefix.Masked()
	var hosts []string
	for addr := prefix.Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr.String())
	}
	if len(hosts) > 0 && prefix.Bits() < 32 {
		hosts = hosts[:len(hosts)-1]
	}
	return hosts
}
