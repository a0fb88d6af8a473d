package dtu

// Microinverter status block layout. The DTU exposes one fixed-size record
// per (microinverter, port) pair starting at 0x1000, stride 0x28 bytes.
// A record whose serial number is all zeros marks the end of the list.
const (
	RegStatusBase   uint16 = 0x1000
	StatusBlockSize uint16 = 0x28 // bytes
	StatusBlockRegs uint16 = StatusBlockSize / 2
	MaxStatusBlocks        = 99
)

// Byte offsets within a status block.
const (
	offDataType        = 0  // 1 byte
	offSerialNumber    = 1  // 6 bytes, BCD
	offPortNumber      = 7  // 1 byte
	offPVVoltage       = 8  // uint16, 0.1 V
	offPVCurrent       = 10 // uint16, 0.01 A
	offGridVoltage     = 12 // uint16, 0.1 V
	offGridFrequency   = 14 // uint16, 0.01 Hz
	offPVPower         = 16 // uint16, 0.1 W
	offTodayProduction = 18 // uint32, Wh
	offTotalProduction = 22 // uint32, Wh
	offTemperature     = 26 // int16, 0.1 C
	offOperatingStatus = 28 // uint16
	offAlarmCode       = 30 // uint16
	offAlarmCount      = 32 // uint16
	offLinkStatus      = 34 // uint16
)

// Operating status codes reported by MI/HM series microinverters.
const (
	StatusStandby    uint16 = 0
	StatusNormal     uint16 = 1
	StatusFault      uint16 = 2
	StatusPermaFault uint16 = 3
)

func OperatingStatusString(status uint16) string {
	switch status {
	case StatusStandby:
		return "standby"
	case StatusNormal:
		return "normal"
	case StatusFault:
		return "fault"
	case StatusPermaFault:
		return "permanent fault"
	default:
		return "unknown"
	}
}
