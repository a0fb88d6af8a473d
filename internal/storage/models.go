package storage

import (
	"time"
)

// Inverter is the registry of every serial number ever seen. Rows are
// created on first contact and touched on every reading; never deleted.
type Inverter struct {
	SerialNumber string    `gorm:"primaryKey;size:64" json:"serial_number"`
	DtuName      string    `gorm:"size:128" json:"dtu_name"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

func (Inverter) TableName() string { return "inverters" }

// InverterReading is one immutable device-level sample. Absent fields stay
// NULL; the decoder never invents zeros.
type InverterReading struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SerialNumber string    `gorm:"index;size:64" json:"serial_number"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`

	GridVoltage     *float64 `json:"grid_voltage"`
	GridFrequency   *float64 `json:"grid_frequency"`
	Temperature     *float64 `json:"temperature"`
	OperatingStatus *int     `json:"operating_status"`
	AlarmCode       *int     `json:"alarm_code"`
	AlarmCount      *int     `json:"alarm_count"`
	LinkStatus      *int     `json:"link_status"`

	RawData string `json:"raw_data,omitempty"`
}

func (InverterReading) TableName() string { return "inverter_data" }

// PortReading is one immutable per-port sample.
type PortReading struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SerialNumber string    `gorm:"index:idx_port_serial;index:idx_port_serial_port;size:64" json:"serial_number"`
	PortNumber   int       `gorm:"index:idx_port_serial_port" json:"port_number"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`

	PVVoltage       *float64 `json:"pv_voltage"`
	PVCurrent       *float64 `json:"pv_current"`
	PVPower         *float64 `json:"pv_power"`
	TodayProduction int64    `json:"today_production"`
	TotalProduction int64    `json:"total_production"`

	RawData string `json:"raw_data,omitempty"`
}

func (PortReading) TableName() string { return "port_data" }

// ProductionCache holds the latest energy counters per (serial, port).
// The only upserted table: "today" must be resettable independently of
// the append-only history, and consumers want O(1) current values.
type ProductionCache struct {
	SerialNumber    string    `gorm:"primaryKey;size:64" json:"serial_number"`
	PortNumber      int       `gorm:"primaryKey" json:"port_number"`
	TodayProduction int64     `json:"today_production"`
	TotalProduction int64     `json:"total_production"`
	LastUpdated     time.Time `json:"last_updated"`
}

func (ProductionCache) TableName() string { return "production_cache" }

// ConfigEntry is free-form key/value state, JSON-encoded values.
type ConfigEntry struct {
	Key         string    `gorm:"primaryKey;size:191" json:"key"`
	Value       string    `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
}

func (ConfigEntry) TableName() string { return "config_cache" }

// ProductionKey identifies one production cache row.
type ProductionKey struct {
	SerialNumber string
	PortNumber   int
}

// ProductionValue is the cached counter pair for one port.
type ProductionValue struct {
	TodayProduction int64
	TotalProduction int64
}

// EnrichedInverter merges an inverter record with its latest device
// reading and the latest reading of each port.
type EnrichedInverter struct {
	Inverter
	LatestReading *InverterReading `json:"latest_reading,omitempty"`
	Ports         []PortReading    `json:"ports"`
}

// Stats is the body served on /stats.
type Stats struct {
	DatabaseType           string `json:"database_type"`
	DatabaseSizeBytes      int64  `json:"database_size_bytes"`
	InvertersCount         int64  `json:"inverters_count"`
	InverterDataEntries    int64  `json:"inverter_data_entries"`
	PortDataEntries        int64  `json:"port_data_entries"`
	ProductionCacheEntries int64  `json:"production_cache_entries"`
	ConfigCacheEntries     int64  `json:"config_cache_entries"`
	TotalRecords           int64  `json:"total_records"`
}
