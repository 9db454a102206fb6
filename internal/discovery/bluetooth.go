package discovery

import (
	"context"
	"errors"

	"go.bug.st/serial"

	"labelhub/internal/connector"
	"labelhub/internal/model"
)

// bluetoothScanner finds paired printers exposed as serial endpoints
// (rfcomm bindings, Bluetooth cu devices) plus statically configured ones.
// There is no radio-level inquiry; pairing is the operating system's job.
type bluetoothScanner struct{}

func (bluetoothScanner) Name() string { return "bluetooth" }

func (bluetoothScanner) Transports() []model.Transport {
	return []model.Transport{model.TransportBluetooth}
}

func (bluetoothScanner) Scan(ctx context.Context, opts Options) ([]model.DeviceDescriptor, error) {
	devices := envDevices("LABELHUB_BT_DEVICES", model.TransportBluetooth, "bluetooth")
	ports, err := serial.GetPortsList()
	if err == nil {
		for _, p := range ports {
			if ctx.Err() != nil {
				break
			}
			if portTransport(p) != model.TransportBluetooth {
				continue
			}
			d := serialDevice(p, model.TransportBluetooth)
			d.Source = "bluetooth"
			devices = append(devices, d)
		}
	}
	if len(devices) == 0 && opts.Transport == model.TransportBluetooth {
		return nil, connector.WrapDisabled("bluetooth-scan", "",
			errors.New("no paired bluetooth serial endpoints"))
	}
	return devices, nil
}
