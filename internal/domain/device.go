package domain

import (
	"fmt"
	"slices"
	"time"
)

type DeviceType string

const (
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeTablet  DeviceType = "tablet"
)

// TransportType indexes the fixed transport table, so values must stay dense.
type TransportType uint8

const (
	TransportBluetooth TransportType = iota
	TransportWiFiDirect
	TransportNearby
	TransportMDNS
	TransportUSB
	TransportTCP

	NumTransportTypes
)

var transportNames = [NumTransportTypes]string{
	"bluetooth",
	"wifiDirect",
	"nearby",
	"mdns",
	"usb",
	"tcp",
}

func (t TransportType) Valid() bool {
	return t < NumTransportTypes
}

func (t TransportType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
	return transportNames[t]
}

func (t TransportType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid transport type %d", uint8(t))
	}
	return []byte(transportNames[t]), nil
}

func (t *TransportType) UnmarshalText(text []byte) error {
	parsed, err := ParseTransportType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func ParseTransportType(s string) (TransportType, error) {
	for i, name := range transportNames {
		if name == s {
			return TransportType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transport type %q", s)
}

type DeviceInfo struct {
	DeviceID   string            `json:"device_id" validate:"required"`
	Name       string            `json:"name"`
	Type       DeviceType        `json:"type" validate:"omitempty,oneof=mobile desktop tablet"`
	Platform   string            `json:"platform"`
	AppVersion string            `json:"app_version"`
	LastSeen   time.Time         `json:"last_seen"`
	IsOnline   bool              `json:"is_online"`
	Transports []TransportType   `json:"transports"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	IsPaired   bool              `json:"is_paired"`
}

func (d DeviceInfo) Supports(t TransportType) bool {
	return slices.Contains(d.Transports, t)
}

// Clone returns a copy that shares no slices or maps with d.
func (d DeviceInfo) Clone() DeviceInfo {
	out := d
	out.Transports = slices.Clone(d.Transports)
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Sighting is one observation of a device by one transport.
type Sighting struct {
	Transport TransportType `json:"transport"`
	Device    DeviceInfo    `json:"device"`
}
