package serial

import (
	"fmt"
	"sort"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial device present on the host
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns the serial ports visible to the host, sorted by name
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, portInfoFromDetails(d))
	}
	sort.Slice(ports, func(i, j int) bool {
		return ports[i].Name < ports[j].Name
	})
	return ports, nil
}

func portInfoFromDetails(d *enumerator.PortDetails) PortInfo {
	return PortInfo{
		Name:         d.Name,
		IsUSB:        d.IsUSB,
		VID:          d.VID,
		PID:          d.PID,
		SerialNumber: d.SerialNumber,
		Product:      d.Product,
	}
}

// String formats the port for a listing
func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	s := fmt.Sprintf("%s [%s:%s]", p.Name, p.VID, p.PID)
	if p.Product != "" {
		s += " " + p.Product
	}
	if p.SerialNumber != "" {
		s += " sn=" + p.SerialNumber
	}
	return s
}
