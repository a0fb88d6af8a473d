package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoymiles-bridge/config"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(config.DatabaseConfig{Type: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func TestUpsertInverterIsIdempotent(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.UpsertInverter("116180000001", "dtu_a"))
	require.NoError(t, db.UpsertInverter("116180000001", "dtu_b"))

	rows, err := db.ListInverters()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "116180000001", rows[0].SerialNumber)
	assert.Equal(t, "dtu_b", rows[0].DtuName)
}

func TestAppendInverterReadingRegistersInverter(t *testing.T) {
	db := newTestDatabase(t)

	reading := &InverterReading{
		SerialNumber:    "116180000001",
		GridVoltage:     f64(229.7),
		Temperature:     f64(41.5),
		OperatingStatus: iptr(3),
	}
	require.NoError(t, db.AppendInverterReading("dtu_a", reading))

	inv, err := db.GetInverter("116180000001")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "dtu_a", inv.DtuName)

	got, err := db.LatestInverterReadings("116180000001", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Optional fields survive the round trip, absent ones stay nil.
	require.NotNil(t, got[0].GridVoltage)
	assert.InDelta(t, 229.7, *got[0].GridVoltage, 0.001)
	require.NotNil(t, got[0].OperatingStatus)
	assert.Equal(t, 3, *got[0].OperatingStatus)
	assert.Nil(t, got[0].GridFrequency)
	assert.Nil(t, got[0].AlarmCode)
}

func TestUpsertProductionLatestValueWins(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.UpsertProduction("116180000001", 1, 100, 500000))
	require.NoError(t, db.UpsertProduction("116180000001", 1, 150, 500050))
	require.NoError(t, db.UpsertProduction("116180000001", 2, 80, 400000))

	cache, err := db.LoadProductionCache()
	require.NoError(t, err)
	require.Len(t, cache, 2)

	v := cache[ProductionKey{"116180000001", 1}]
	assert.Equal(t, int64(150), v.TodayProduction)
	assert.Equal(t, int64(500050), v.TotalProduction)
}

func TestClearTodayProductionKeepsLifetimeTotals(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.UpsertProduction("116180000001", 1, 1234, 500000))
	require.NoError(t, db.UpsertProduction("116180000002", 1, 987, 300000))
	require.NoError(t, db.ClearTodayProduction())

	cache, err := db.LoadProductionCache()
	require.NoError(t, err)
	for key, v := range cache {
		assert.Equal(t, int64(0), v.TodayProduction, "key %v", key)
		assert.NotZero(t, v.TotalProduction, "key %v", key)
	}
}

func TestLatestPortReadingsFilters(t *testing.T) {
	db := newTestDatabase(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	samples := []PortReading{
		{SerialNumber: "a", PortNumber: 1, Timestamp: base, PVPower: f64(100)},
		{SerialNumber: "a", PortNumber: 2, Timestamp: base.Add(time.Second), PVPower: f64(90)},
		{SerialNumber: "b", PortNumber: 1, Timestamp: base.Add(2 * time.Second), PVPower: f64(80)},
	}
	for i := range samples {
		require.NoError(t, db.AppendPortReading(&samples[i]))
	}

	all, err := db.LatestPortReadings("", -1, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "b", all[0].SerialNumber)

	onlyA, err := db.LatestPortReadings("a", -1, 10)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	onlyA2, err := db.LatestPortReadings("a", 2, 10)
	require.NoError(t, err)
	require.Len(t, onlyA2, 1)
	assert.Equal(t, 2, onlyA2[0].PortNumber)
}

func TestEnrichedInvertersLatestPerPort(t *testing.T) {
	db := newTestDatabase(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.AppendInverterReading("dtu_a", &InverterReading{
		SerialNumber: "a", Timestamp: base, Temperature: f64(38),
	}))
	require.NoError(t, db.AppendInverterReading("dtu_a", &InverterReading{
		SerialNumber: "a", Timestamp: base.Add(time.Minute), Temperature: f64(40),
	}))

	for i, p := range []PortReading{
		{SerialNumber: "a", PortNumber: 1, Timestamp: base, PVPower: f64(100)},
		{SerialNumber: "a", PortNumber: 2, Timestamp: base, PVPower: f64(95)},
		{SerialNumber: "a", PortNumber: 1, Timestamp: base.Add(time.Minute), PVPower: f64(110)},
	} {
		reading := p
		require.NoError(t, db.AppendPortReading(&reading), "sample %d", i)
	}

	enriched, err := db.EnrichedInverters()
	require.NoError(t, err)
	require.Len(t, enriched, 1)

	inv := enriched[0]
	require.NotNil(t, inv.LatestReading)
	assert.InDelta(t, 40, *inv.LatestReading.Temperature, 0.001)

	require.Len(t, inv.Ports, 2)
	byPort := make(map[int]PortReading)
	for _, p := range inv.Ports {
		byPort[p.PortNumber] = p
	}
	assert.InDelta(t, 110, *byPort[1].PVPower, 0.001)
	assert.InDelta(t, 95, *byPort[2].PVPower, 0.001)
}

func TestConfigValueRoundTrip(t *testing.T) {
	db := newTestDatabase(t)

	var day string
	found, err := db.LoadConfigValue("last_reset_day", &day)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.SaveConfigValue("last_reset_day", "2025-06-01"))
	require.NoError(t, db.SaveConfigValue("last_reset_day", "2025-06-02"))

	found, err = db.LoadConfigValue("last_reset_day", &day)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2025-06-02", day)
}

func TestStatsCountsEveryTable(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.AppendInverterReading("dtu_a", &InverterReading{SerialNumber: "a"}))
	require.NoError(t, db.AppendPortReading(&PortReading{SerialNumber: "a", PortNumber: 1}))
	require.NoError(t, db.UpsertProduction("a", 1, 10, 20))
	require.NoError(t, db.SaveConfigValue("k", 1))

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats.DatabaseType)
	assert.Equal(t, int64(1), stats.InvertersCount)
	assert.Equal(t, int64(1), stats.InverterDataEntries)
	assert.Equal(t, int64(1), stats.PortDataEntries)
	assert.Equal(t, int64(1), stats.ProductionCacheEntries)
	assert.Equal(t, int64(1), stats.ConfigCacheEntries)
	assert.Equal(t, int64(5), stats.TotalRecords)
}
