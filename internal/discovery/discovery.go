package discovery

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"labelhub/internal/connector"
	"labelhub/internal/logging"
	"labelhub/internal/model"
)

const DefaultTimeout = 5 * time.Second

// Options narrow one scan pass. Zero values mean "scan everything with the
// default timeout".
type Options struct {
	Timeout   time.Duration
	Transport model.Transport
	Subnets   []string
	Community string
}

// Scanner locates devices over one mechanism.
type Scanner interface {
	Name() string
	Transports() []model.Transport
	Scan(ctx context.Context, opts Options) ([]model.DeviceDescriptor, error)
}

func defaultScanners() []Scanner {
	return []Scanner{mdnsScanner{}, snmpScanner{}, serialScanner{}, bluetoothScanner{}}
}

func serves(s Scanner, transport model.Transport) bool {
	for _, t := range s.Transports() {
		if t == transport {
			return true
		}
	}
	return false
}

// Scan runs every applicable scanner in parallel and merges what they find.
// One scanner failing does not abort the pass; an error is returned only
// when nothing was found and at least one scanner reported a failure.
func Scan(ctx context.Context, opts Options) ([]model.DeviceDescriptor, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout+time.Second)
	defer cancel()

	var (
		mu      sync.Mutex
		found   []model.DeviceDescriptor
		scanErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range defaultScanners() {
		if opts.Transport != "" && !serves(s, opts.Transport) {
			continue
		}
		s := s
		g.Go(func() error {
			devices, err := s.Scan(gctx, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Debugf("discovery: %s: %v", s.Name(), err)
				if scanErr == nil {
					scanErr = connector.Classify("discover-"+s.Name(), "", err)
				}
				return nil
			}
			found = append(found, devices...)
			return nil
		})
	}
	_ = g.Wait()

	merged := Merge(found)
	if opts.Transport != "" {
		merged = filterTransport(merged, opts.Transport)
	}
	if len(merged) == 0 && scanErr != nil {
		return nil, scanErr
	}
	return merged, nil
}

// Merge de-duplicates by normalized address. The first occurrence keeps the
// slot; later duplicates only fill fields the first left blank.
func Merge(devices []model.DeviceDescriptor) []model.DeviceDescriptor {
	index := map[string]int{}
	out := make([]model.DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		if d.Address == "" {
			d.Address = d.URI
		}
		key := strings.ToLower(strings.TrimSpace(d.Address))
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			kept := &out[i]
			if kept.Name == "" {
				kept.Name = d.Name
			}
			if kept.Model == "" {
				kept.Model = d.Model
			}
			if d.SeenAt.After(kept.SeenAt) {
				kept.SeenAt = d.SeenAt
			}
			continue
		}
		index[key] = len(out)
		out = append(out, d)
	}
	return out
}

func filterTransport(devices []model.DeviceDescriptor, transport model.Transport) []model.DeviceDescriptor {
	out := devices[:0]
	for _, d := range devices {
		if d.Transport == transport {
			out = append(out, d)
		}
	}
	return out
}

// envDevices reads statically configured devices from an environment list:
// entries separated by comma/semicolon/newline, each "address|name|model".
func envDevices(envKey string, transport model.Transport, source string) []model.DeviceDescriptor {
	val := strings.TrimSpace(os.Getenv(envKey))
	if val == "" {
		return nil
	}
	devices := []model.DeviceDescriptor{}
	for _, entry := range splitEnvList(val) {
		if d, ok := parseDeviceEntry(entry, transport, source); ok {
			devices = append(devices, d)
		}
	}
	return devices
}

func parseDeviceEntry(entry string, transport model.Transport, source string) (model.DeviceDescriptor, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return model.DeviceDescriptor{}, false
	}
	parts := strings.Split(entry, "|")
	address := strings.TrimSpace(parts[0])
	if address == "" {
		return model.DeviceDescriptor{}, false
	}
	name := ""
	deviceModel := ""
	if len(parts) > 1 {
		name = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		deviceModel = strings.TrimSpace(parts[2])
	}
	if name == "" {
		name = address
	}
	return model.DeviceDescriptor{
		Address:   address,
		Name:      name,
		URI:       connector.NormalizeURI(address),
		Transport: transport,
		Model:     deviceModel,
		Source:    source,
		SeenAt:    time.Now(),
	}, true
}

func splitEnvList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
