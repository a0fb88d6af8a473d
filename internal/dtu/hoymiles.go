package dtu

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedResponse marks replies the DTU answered but whose content
// could not be decoded into inverter records.
var ErrMalformedResponse = errors.New("malformed DTU response")

// PortStatus holds the per-port telemetry of one microinverter DC input.
type PortStatus struct {
	PortNumber      int      `json:"port_number"`
	PVVoltage       *float64 `json:"pv_voltage,omitempty"`
	PVCurrent       *float64 `json:"pv_current,omitempty"`
	PVPower         *float64 `json:"pv_power,omitempty"`
	TodayProduction int64    `json:"today_production"`
	TotalProduction int64    `json:"total_production"`
}

// InverterStatus holds device-level telemetry for one microinverter plus
// all ports it reported this cycle. Fields the device did not report are
// nil, never zero-defaulted.
type InverterStatus struct {
	SerialNumber    string   `json:"serial_number"`
	GridVoltage     *float64 `json:"grid_voltage,omitempty"`
	GridFrequency   *float64 `json:"grid_frequency,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	OperatingStatus *int     `json:"operating_status,omitempty"`
	AlarmCode       *int     `json:"alarm_code,omitempty"`
	AlarmCount      *int     `json:"alarm_count,omitempty"`
	LinkStatus      *int     `json:"link_status,omitempty"`

	Ports []PortStatus `json:"ports"`
}

// PlantData is one complete snapshot of everything a DTU reported.
type PlantData struct {
	Timestamp time.Time        `json:"timestamp"`
	Inverters []InverterStatus `json:"inverters"`
}

// TotalPower sums the latest per-port PV power across all inverters.
func (p *PlantData) TotalPower() float64 {
	var total float64
	for _, inv := range p.Inverters {
		for _, port := range inv.Ports {
			if port.PVPower != nil {
				total += *port.PVPower
			}
		}
	}
	return total
}

// PlantReader is the device-client capability the polling layer depends on.
type PlantReader interface {
	ReadPlantData() (*PlantData, error)
}

// Hoymiles reads microinverter telemetry from a Hoymiles DTU over Modbus.
type Hoymiles struct {
	client *Client
}

func NewHoymiles(client *Client) *Hoymiles {
	return &Hoymiles{client: client}
}

// ReadPlantData walks the status block list and groups records by serial
// number. Port count per inverter is whatever the DTU reported this cycle;
// inverters come and go as panels wake up and sleep.
func (h *Hoymiles) ReadPlantData() (*PlantData, error) {
	data := &PlantData{Timestamp: time.Now().UTC()}

	bySerial := make(map[string]*InverterStatus)
	order := make([]string, 0, 8)

	for i := 0; i < MaxStatusBlocks; i++ {
		addr := RegStatusBase + uint16(i)*StatusBlockRegs
		regs, err := h.client.ReadHoldingRegisters(addr, StatusBlockRegs)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("failed to read status block 0: %w", err)
			}
			// Some DTU firmwares fault on the first address past the
			// populated list instead of returning zeros.
			break
		}

		block := regsToBytes(regs)
		serial := decodeSerial(block[offSerialNumber : offSerialNumber+6])
		if serial == "" {
			break
		}

		inv, ok := bySerial[serial]
		if !ok {
			inv = decodeInverter(serial, block)
			bySerial[serial] = inv
			order = append(order, serial)
		}
		inv.Ports = append(inv.Ports, decodePort(block))
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no inverter records", ErrMalformedResponse)
	}

	for _, serial := range order {
		data.Inverters = append(data.Inverters, *bySerial[serial])
	}

	return data, nil
}

// TestConnection dials fresh and verifies the DTU answers a status block
// read.
func (h *Hoymiles) TestConnection() error {
	if err := h.client.Reconnect(); err != nil {
		return err
	}
	if _, err := h.client.ReadHoldingRegisters(RegStatusBase, StatusBlockRegs); err != nil {
		return fmt.Errorf("failed to read from DTU: %w", err)
	}
	return nil
}

// Addr reports the DTU's host:port.
func (h *Hoymiles) Addr() string { return h.client.Addr() }

func (h *Hoymiles) Close() error { return h.client.Close() }

func decodeInverter(serial string, block []byte) *InverterStatus {
	inv := &InverterStatus{SerialNumber: serial}

	inv.GridVoltage = scaled(binary.BigEndian.Uint16(block[offGridVoltage:]), 0.1)
	inv.GridFrequency = scaled(binary.BigEndian.Uint16(block[offGridFrequency:]), 0.01)

	temp := float64(int16(binary.BigEndian.Uint16(block[offTemperature:]))) * 0.1
	inv.Temperature = &temp

	inv.OperatingStatus = intPtr(binary.BigEndian.Uint16(block[offOperatingStatus:]))
	inv.AlarmCode = intPtr(binary.BigEndian.Uint16(block[offAlarmCode:]))
	inv.AlarmCount = intPtr(binary.BigEndian.Uint16(block[offAlarmCount:]))
	inv.LinkStatus = intPtr(binary.BigEndian.Uint16(block[offLinkStatus:]))

	return inv
}

func decodePort(block []byte) PortStatus {
	return PortStatus{
		PortNumber:      int(block[offPortNumber]),
		PVVoltage:       scaled(binary.BigEndian.Uint16(block[offPVVoltage:]), 0.1),
		PVCurrent:       scaled(binary.BigEndian.Uint16(block[offPVCurrent:]), 0.01),
		PVPower:         scaled(binary.BigEndian.Uint16(block[offPVPower:]), 0.1),
		TodayProduction: int64(binary.BigEndian.Uint32(block[offTodayProduction:])),
		TotalProduction: int64(binary.BigEndian.Uint32(block[offTotalProduction:])),
	}
}

func regsToBytes(regs []uint16) []byte {
	buf := make([]byte, 0, len(regs)*2)
	for _, reg := range regs {
		buf = append(buf, byte(reg>>8), byte(reg&0xFF))
	}
	return buf
}

// decodeSerial renders the 6-byte serial as a hex string, e.g.
// "116180912345". An all-zero serial returns "".
func decodeSerial(raw []byte) string {
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ""
	}
	return hex.EncodeToString(raw)
}

func scaled(raw uint16, factor float64) *float64 {
	v := float64(raw) * factor
	return &v
}

func intPtr(raw uint16) *int {
	v := int(raw)
	return &v
}
