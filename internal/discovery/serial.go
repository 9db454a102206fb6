package discovery

import (
	"context"
	"path"
	"strings"
	"time"

	"go.bug.st/serial"

	"labelhub/internal/model"
)

type serialScanner struct{}

func (serialScanner) Name() string { return "serial" }

func (serialScanner) Transports() []model.Transport {
	return []model.Transport{model.TransportUSB}
}

func (serialScanner) Scan(ctx context.Context, opts Options) ([]model.DeviceDescriptor, error) {
	devices := envDevices("LABELHUB_SERIAL_PORTS", model.TransportUSB, "serial")
	ports, err := serial.GetPortsList()
	if err != nil {
		if len(devices) > 0 {
			return devices, nil
		}
		return nil, err
	}
	for _, p := range ports {
		if ctx.Err() != nil {
			break
		}
		if portTransport(p) != model.TransportUSB {
			continue
		}
		devices = append(devices, serialDevice(p, model.TransportUSB))
	}
	return devices, nil
}

func serialDevice(port string, transport model.Transport) model.DeviceDescriptor {
	return model.DeviceDescriptor{
		Address:   port,
		Name:      portBase(port),
		URI:       "serial://" + port,
		Transport: transport,
		Source:    "serial",
		SeenAt:    time.Now(),
	}
}

// portTransport classifies an enumerated port node. Bluetooth SPP endpoints
// show up as rfcomm nodes on Linux and Bluetooth-named cu devices on macOS;
// everything else plausible is treated as USB attached.
func portTransport(name string) model.Transport {
	base := strings.ToLower(portBase(name))
	switch {
	case strings.HasPrefix(base, "rfcomm"), strings.Contains(base, "bluetooth"):
		return model.TransportBluetooth
	case strings.HasPrefix(base, "ttyusb"), strings.HasPrefix(base, "ttyacm"),
		strings.HasPrefix(base, "cu."), strings.HasPrefix(base, "tty."),
		strings.HasPrefix(base, "com"):
		return model.TransportUSB
	}
	return ""
}

func portBase(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}
