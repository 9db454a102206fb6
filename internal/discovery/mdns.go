package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"labelhub/internal/connector"
	"labelhub/internal/model"
)

// Service types label printers advertise. Raw-socket adverts win when a
// device shows up under several.
var mdnsServices = []string{
	"_pdl-datastream._tcp",
	"_ipp._tcp",
	"_ipps._tcp",
	"_printer._tcp",
}

type mdnsScanner struct{}

func (mdnsScanner) Name() string { return "mdns" }

func (mdnsScanner) Transports() []model.Transport {
	return []model.Transport{model.TransportNetwork}
}

func (mdnsScanner) Scan(ctx context.Context, opts Options) ([]model.DeviceDescriptor, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	perService := timeout / time.Duration(len(mdnsServices))
	if perService < time.Second {
		perService = time.Second
	}

	devices := envDevices("LABELHUB_MDNS_DEVICES", model.TransportNetwork, "mdns")
	seen := map[string]bool{}
	for _, service := range mdnsServices {
		if ctx.Err() != nil {
			break
		}
		browseService(ctx, service, perService, func(entry *mdns.ServiceEntry) {
			d, ok := mdnsDevice(service, entry)
			if !ok {
				return
			}
			key := strings.ToLower(d.Address) + "/" + strings.ToLower(entry.Name)
			if seen[key] {
				return
			}
			seen[key] = true
			devices = append(devices, d)
		})
	}
	return devices, nil
}

func browseService(ctx context.Context, service string, timeout time.Duration, emit func(*mdns.ServiceEntry)) {
	entries := make(chan *mdns.ServiceEntry, 64)
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		_ = mdns.Query(&mdns.QueryParam{
			Service: service,
			Domain:  "local",
			Timeout: timeout,
			Entries: entries,
		})
		close(entries)
	}()
	for {
		select {
		case <-qctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry != nil {
				emit(entry)
			}
		}
	}
}

func mdnsDevice(service string, entry *mdns.ServiceEntry) (model.DeviceDescriptor, bool) {
	host := strings.TrimSuffix(entry.Host, ".")
	if host == "" {
		switch {
		case entry.AddrV4 != nil:
			host = entry.AddrV4.String()
		case entry.AddrV6 != nil:
			host = entry.AddrV6.String()
		default:
			return model.DeviceDescriptor{}, false
		}
	}
	txt := parseTxtRecords(entry.InfoFields)
	address, uri := mdnsEntryTarget(service, host, entry.Port, txt)
	if uri == "" {
		return model.DeviceDescriptor{}, false
	}
	return model.DeviceDescriptor{
		Address:   address,
		Name:      firstNonEmpty(txt["ty"], txt["note"], instanceName(entry.Name)),
		URI:       uri,
		Transport: model.TransportNetwork,
		Model:     firstNonEmpty(txt["product"], txt["ty"]),
		Source:    "mdns",
		SeenAt:    time.Now(),
	}, true
}

// mdnsEntryTarget maps a service advert to the address the user prints to
// and the URI the connector dials.
func mdnsEntryTarget(service, host string, port int, txt map[string]string) (string, string) {
	switch {
	case strings.Contains(service, "_pdl-datastream"):
		if port == 0 {
			port = 9100
		}
		address := net.JoinHostPort(host, strconv.Itoa(port))
		return address, "socket://" + address
	case strings.Contains(service, "_printer"):
		// The advert carries the LPD port; raw label traffic goes to 9100.
		address := net.JoinHostPort(host, connector.DefaultPortRaw)
		return address, "socket://" + address
	default:
		uri := buildIPPURI(service, host, port, txt)
		return uri, uri
	}
}

func buildIPPURI(service, host string, port int, txt map[string]string) string {
	scheme := "ipp"
	if strings.Contains(service, "ipps") || strings.Contains(service, "ipp-tls") {
		scheme = "ipps"
	}
	if port == 0 {
		port = 631
	}
	resource := strings.TrimPrefix(txt["rp"], "/")
	if resource == "" {
		resource = "ipp/print"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/" + resource
}

func parseTxtRecords(records []string) map[string]string {
	out := map[string]string{}
	for _, record := range records {
		key, val, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "" {
			out[key] = strings.TrimSpace(val)
		}
	}
	return out
}

// instanceName strips the service and domain labels from a full advert name.
func instanceName(name string) string {
	name = strings.TrimSuffix(name, ".")
	if idx := strings.Index(name, "._"); idx >= 0 {
		name = name[:idx]
	}
	return name
}
