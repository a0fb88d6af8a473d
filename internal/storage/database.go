package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"hoymiles-bridge/config"
)

// Database is the persistence gateway. All SQL lives here; callers see
// typed operations and never build queries themselves.
type Database struct {
	db         *gorm.DB
	engineType string
}

// NewDatabase opens the configured engine, applies pool bounds and runs
// schema migration. The engine choice is invisible to callers from here on.
func NewDatabase(cfg config.DatabaseConfig) (*Database, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
		dialector = postgres.Open(dsn)
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	poolSize := cfg.PoolSize
	if poolSize < 1 {
		poolSize = 10
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&Inverter{}, &InverterReading{}, &PortReading{},
		&ProductionCache{}, &ConfigEntry{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logrus.WithField("type", cfg.Type).Info("Database connected")

	return &Database{db: db, engineType: cfg.Type}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertInverter registers a serial number, creating it on first contact
// and bumping last_seen on every later one. first_seen is never touched
// after insert.
func (d *Database) UpsertInverter(serialNumber, dtuName string) error {
	now := time.Now().UTC()
	inv := Inverter{
		SerialNumber: serialNumber,
		DtuName:      dtuName,
		FirstSeen:    now,
		LastSeen:     now,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "serial_number"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"dtu_name":  dtuName,
			"last_seen": now,
		}),
	}).Create(&inv).Error
}

// AppendInverterReading stores one device-level sample. The inverter
// upsert and the insert commit together or not at all.
func (d *Database) AppendInverterReading(dtuName string, reading *InverterReading) error {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		inv := Inverter{
			SerialNumber: reading.SerialNumber,
			DtuName:      dtuName,
			FirstSeen:    now,
			LastSeen:     now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "serial_number"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"dtu_name":  dtuName,
				"last_seen": now,
			}),
		}).Create(&inv).Error; err != nil {
			return err
		}
		return tx.Create(reading).Error
	})
}

// AppendPortReading stores one per-port sample.
func (d *Database) AppendPortReading(reading *PortReading) error {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	return d.db.Create(reading).Error
}

// UpsertProduction replaces the cached counters for one (serial, port).
func (d *Database) UpsertProduction(serialNumber string, portNumber int, today, total int64) error {
	now := time.Now().UTC()
	entry := ProductionCache{
		SerialNumber:    serialNumber,
		PortNumber:      portNumber,
		TodayProduction: today,
		TotalProduction: total,
		LastUpdated:     now,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "serial_number"}, {Name: "port_number"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"today_production": today,
			"total_production": total,
			"last_updated":     now,
		}),
	}).Create(&entry).Error
}

// LoadProductionCache returns every cached counter pair, keyed by port.
func (d *Database) LoadProductionCache() (map[ProductionKey]ProductionValue, error) {
	var rows []ProductionCache
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[ProductionKey]ProductionValue, len(rows))
	for _, row := range rows {
		out[ProductionKey{row.SerialNumber, row.PortNumber}] = ProductionValue{
			TodayProduction: row.TodayProduction,
			TotalProduction: row.TotalProduction,
		}
	}
	return out, nil
}

// ListProduction returns the production cache sorted for stable output.
func (d *Database) ListProduction() ([]ProductionCache, error) {
	var rows []ProductionCache
	err := d.db.Order("serial_number, port_number").Find(&rows).Error
	return rows, err
}

// ClearTodayProduction zeroes every daily counter. Lifetime totals and
// the append-only history are untouched.
func (d *Database) ClearTodayProduction() error {
	return d.db.Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&ProductionCache{}).
		Updates(map[string]interface{}{
			"today_production": 0,
			"last_updated":     time.Now().UTC(),
		}).Error
}

// ListInverters returns every known inverter, newest contact first.
func (d *Database) ListInverters() ([]Inverter, error) {
	var rows []Inverter
	err := d.db.Order("last_seen DESC").Find(&rows).Error
	return rows, err
}

// GetInverter returns one inverter or (nil, nil) when unknown.
func (d *Database) GetInverter(serialNumber string) (*Inverter, error) {
	var inv Inverter
	err := d.db.Where("serial_number = ?", serialNumber).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// LatestInverterReadings returns device samples newest first. An empty
// serial matches all devices.
func (d *Database) LatestInverterReadings(serialNumber string, limit int) ([]InverterReading, error) {
	q := d.db.Order("timestamp DESC").Limit(limit)
	if serialNumber != "" {
		q = q.Where("serial_number = ?", serialNumber)
	}
	var rows []InverterReading
	err := q.Find(&rows).Error
	return rows, err
}

// LatestPortReadings returns per-port samples newest first. Empty serial
// or a negative port disables that filter.
func (d *Database) LatestPortReadings(serialNumber string, portNumber, limit int) ([]PortReading, error) {
	q := d.db.Order("timestamp DESC").Limit(limit)
	if serialNumber != "" {
		q = q.Where("serial_number = ?", serialNumber)
	}
	if portNumber >= 0 {
		q = q.Where("port_number = ?", portNumber)
	}
	var rows []PortReading
	err := q.Find(&rows).Error
	return rows, err
}

// EnrichedInverters merges each inverter with its latest device reading
// and the latest sample of every port. This is the read model behind the
// HTTP list endpoint and the push payload.
func (d *Database) EnrichedInverters() ([]EnrichedInverter, error) {
	inverters, err := d.ListInverters()
	if err != nil {
		return nil, err
	}

	out := make([]EnrichedInverter, 0, len(inverters))
	for _, inv := range inverters {
		enriched := EnrichedInverter{Inverter: inv, Ports: []PortReading{}}

		readings, err := d.LatestInverterReadings(inv.SerialNumber, 1)
		if err != nil {
			return nil, err
		}
		if len(readings) > 0 {
			r := readings[0]
			enriched.LatestReading = &r
		}

		// A window of recent samples covers every port of the largest
		// supported microinverter; first hit per port wins.
		recent, err := d.LatestPortReadings(inv.SerialNumber, -1, 40)
		if err != nil {
			return nil, err
		}
		seen := make(map[int]bool)
		for _, p := range recent {
			if seen[p.PortNumber] {
				continue
			}
			seen[p.PortNumber] = true
			enriched.Ports = append(enriched.Ports, p)
		}

		out = append(out, enriched)
	}
	return out, nil
}

// Stats reports row counts and on-disk size using the engine's native
// accounting.
func (d *Database) Stats() (*Stats, error) {
	s := &Stats{DatabaseType: d.engineType}

	counts := []struct {
		model interface{}
		dest  *int64
	}{
		{&Inverter{}, &s.InvertersCount},
		{&InverterReading{}, &s.InverterDataEntries},
		{&PortReading{}, &s.PortDataEntries},
		{&ProductionCache{}, &s.ProductionCacheEntries},
		{&ConfigEntry{}, &s.ConfigCacheEntries},
	}
	for _, c := range counts {
		if err := d.db.Model(c.model).Count(c.dest).Error; err != nil {
			return nil, err
		}
		s.TotalRecords += *c.dest
	}

	var size int64
	var err error
	switch d.engineType {
	case "postgres":
		err = d.db.Raw("SELECT pg_database_size(current_database())").Scan(&size).Error
	case "mysql":
		err = d.db.Raw(
			"SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables WHERE table_schema = DATABASE()",
		).Scan(&size).Error
	case "sqlite":
		err = d.db.Raw(
			"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
		).Scan(&size).Error
	}
	if err != nil {
		logrus.WithError(err).Warn("Failed to read database size")
	} else {
		s.DatabaseSizeBytes = size
	}

	return s, nil
}

// SaveConfigValue stores a JSON-encoded value under key.
func (d *Database) SaveConfigValue(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry := ConfigEntry{Key: key, Value: string(raw), LastUpdated: now}
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":        string(raw),
			"last_updated": now,
		}),
	}).Create(&entry).Error
}

// LoadConfigValue decodes the value stored under key into dest. Returns
// false when the key does not exist.
func (d *Database) LoadConfigValue(key string, dest interface{}) (bool, error) {
	var entry ConfigEntry
	// Struct query so the column name gets quoted on every engine.
	err := d.db.Where(&ConfigEntry{Key: key}).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(entry.Value), dest); err != nil {
		return false, err
	}
	return true, nil
}
