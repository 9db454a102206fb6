package control

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"

	"labelhub/internal/config"
)

// Announcer broadcasts the control API endpoint over mDNS so clients on the
// local network find the daemon without configuration. Best effort: a failed
// start never blocks the daemon.
type Announcer struct {
	zone   *announceZone
	server *mdns.Server
}

// announceZone adapts one service record to the mdns zone interface and lets
// it be cleared while the responder is still running.
type announceZone struct {
	mu      sync.RWMutex
	service *mdns.MDNSService
}

func (z *announceZone) SetService(svc *mdns.MDNSService) {
	z.mu.Lock()
	z.service = svc
	z.mu.Unlock()
}

func (z *announceZone) Records(q dns.Question) []dns.RR {
	z.mu.RLock()
	svc := z.service
	z.mu.RUnlock()
	if svc == nil {
		return nil
	}
	return svc.Records(q)
}

// StartAnnouncer publishes a _labelhub._tcp record for the configured listen
// address.
func StartAnnouncer(cfg config.Config) (*Announcer, error) {
	port := announcePort(cfg.ListenAddr)
	if port <= 0 {
		return nil, fmt.Errorf("no port to announce in %q", cfg.ListenAddr)
	}
	instance := strings.TrimSpace(cfg.ServerName)
	if instance == "" {
		instance = "labelhub"
	}
	svc, err := mdns.NewMDNSService(instance, "_labelhub._tcp", "local", announceHostName(), port, nil, announceTxt(cfg))
	if err != nil {
		return nil, err
	}

	zone := &announceZone{}
	zone.SetService(svc)
	server, err := mdns.NewServer(&mdns.Config{Zone: zone, LogEmptyResponses: false})
	if err != nil {
		return nil, err
	}
	return &Announcer{zone: zone, server: server}, nil
}

func (a *Announcer) Close() {
	if a == nil {
		return
	}
	if a.zone != nil {
		a.zone.SetService(nil)
	}
	if a.server != nil {
		_ = a.server.Shutdown()
	}
}

func announcePort(listenAddr string) int {
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(listenAddr))
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// announceHostName returns a stable trailing-dot host name. The mdns library
// infers one when blank, but a stable name keeps the record consistent
// across refreshes.
func announceHostName() string {
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.Contains(host, ".") {
		if !strings.HasSuffix(host, ".") {
			host += "."
		}
		return host
	}
	return host + ".local."
}

func announceTxt(cfg config.Config) []string {
	tls := "0"
	if cfg.TLSEnabled {
		tls = "1"
	}
	return []string{"txtvers=1", "api=/api", "tls=" + tls}
}
