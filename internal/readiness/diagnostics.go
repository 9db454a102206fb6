package readiness

import (
	"context"
	"net/url"
	"strings"

	"labelhub/internal/discovery"
	"labelhub/internal/logging"
	"labelhub/internal/model"
	"labelhub/internal/sgd"
)

// DetailedStatus is the full condition picture of one device: the parsed
// host status plus the identity and media variables worth showing a human.
type DetailedStatus struct {
	Address  string              `json:"address"`
	Status   model.PrinterStatus `json:"status"`
	Language string              `json:"language,omitempty"`
	Firmware string              `json:"firmware,omitempty"`
	Name     string              `json:"name,omitempty"`
	Media    string              `json:"media,omitempty"`
	Darkness string              `json:"darkness,omitempty"`
}

// DetailedStatus reads the host status and decorates it with best-effort
// identity reads. Only the host status read can fail the call.
func (e *Engine) DetailedStatus(ctx context.Context, dev Device) (DetailedStatus, error) {
	ds := DetailedStatus{Address: dev.Address()}
	raw, err := dev.ReadProperty(ctx, sgd.VarHostStatus)
	if err != nil {
		return ds, err
	}
	ds.Status = sgd.ParseHostStatus(raw)
	optional := []struct {
		name string
		into *string
	}{
		{sgd.VarLanguages, &ds.Language},
		{sgd.VarFirmware, &ds.Firmware},
		{sgd.VarFriendlyName, &ds.Name},
		{sgd.VarMediaType, &ds.Media},
		{sgd.VarDarkness, &ds.Darkness},
	}
	for _, o := range optional {
		if v, err := dev.ReadProperty(ctx, o.name); err == nil {
			*o.into = v
		}
	}
	ds.Status.Language = ds.Language
	return ds, nil
}

// Diagnostics bundles everything a support call needs: the probe verdict
// with fixes disabled, the detailed status, and SNMP supply levels for
// network devices.
type Diagnostics struct {
	Detailed DetailedStatus          `json:"detailed"`
	Verdict  Verdict                 `json:"verdict"`
	Supplies *discovery.SupplyStatus `json:"supplies,omitempty"`
	Problems []string                `json:"problems,omitempty"`
}

// RunDiagnostics inspects dev without changing anything on it.
func (e *Engine) RunDiagnostics(ctx context.Context, dev Device, format model.Format, community string) Diagnostics {
	d := Diagnostics{}
	d.Verdict = e.Check(ctx, dev, Options{Format: format})

	ds, err := e.DetailedStatus(ctx, dev)
	d.Detailed = ds
	if err != nil {
		d.Problems = append(d.Problems, "detailed status: "+err.Error())
	}

	if host, ok := networkHost(dev.Address()); ok {
		supplies, err := discovery.QuerySupplies(ctx, host, community)
		if err != nil {
			logging.Debugf("readiness: supplies query for %s: %v", host, err)
			d.Problems = append(d.Problems, "supplies: "+err.Error())
		} else {
			d.Supplies = &supplies
		}
	}
	return d
}

// networkHost extracts the host from a network address or URI. Serial and
// bluetooth endpoints have no SNMP agent to ask.
func networkHost(address string) (string, bool) {
	a := strings.TrimSpace(address)
	if a == "" {
		return "", false
	}
	if strings.Contains(a, "://") {
		u, err := url.Parse(a)
		if err != nil {
			return "", false
		}
		switch strings.ToLower(u.Scheme) {
		case "socket", "tcp", "ipp", "ipps":
			return u.Hostname(), u.Hostname() != ""
		}
		return "", false
	}
	if strings.HasPrefix(a, "/") || strings.HasPrefix(strings.ToUpper(a), "COM") {
		return "", false
	}
	host := a
	if h, _, ok := strings.Cut(a, ":"); ok {
		host = h
	}
	return host, host != ""
}
