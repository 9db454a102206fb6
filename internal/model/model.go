package model

import (
	"time"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatZPL     Format = "zpl"
	FormatCPCL    Format = "cpcl"
	FormatRaw     Format = "raw"
)

func (f Format) Valid() bool {
	switch f {
	case FormatZPL, FormatCPCL, FormatRaw:
		return true
	}
	return false
}

type Transport string

const (
	TransportNetwork   Transport = "network"
	TransportBluetooth Transport = "bluetooth"
	TransportUSB       Transport = "usb"
)

type DeviceDescriptor struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	URI       string    `json:"uri"`
	Transport Transport `json:"transport,omitempty"`
	Model     string    `json:"model,omitempty"`
	Source    string    `json:"source,omitempty"`
	SeenAt    time.Time `json:"seenAt"`
}

// PrinterStatus is one point-in-time reading of the device condition flags.
// Ready means the device reports it can accept a format right now; the other
// flags qualify why it cannot.
type PrinterStatus struct {
	Ready         bool      `json:"ready"`
	Paused        bool      `json:"paused"`
	HeadOpen      bool      `json:"headOpen"`
	MediaOut      bool      `json:"mediaOut"`
	RibbonOut     bool      `json:"ribbonOut"`
	PartialFormat bool      `json:"partialFormat"`
	QueuedFormats int       `json:"queuedFormats"`
	BufferFull    bool      `json:"bufferFull"`
	OverTemp      bool      `json:"overTemp"`
	Language      string    `json:"language,omitempty"`
	Raw           string    `json:"raw,omitempty"`
	ReadAt        time.Time `json:"readAt"`
}

// Blocked reports whether the condition requires physical intervention.
func (s PrinterStatus) Blocked() bool {
	return s.HeadOpen || s.MediaOut || s.RibbonOut || s.OverTemp
}

type JobRecord struct {
	ID          string     `json:"id"`
	Device      string     `json:"device"`
	Format      Format     `json:"format"`
	SizeBytes   int64      `json:"sizeBytes"`
	SubmittedAt time.Time  `json:"submittedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
}
