package poller

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/sirupsen/logrus"

	"hoymiles-bridge/internal/dtu"
	"hoymiles-bridge/internal/health"
	"hoymiles-bridge/internal/metrics"
	"hoymiles-bridge/internal/recovery"
	"hoymiles-bridge/internal/storage"
)

// DtuJob queries one DTU and persists whatever it reported. A job is
// single-flight: if the previous execution is still running when the next
// cycle fires, the new one is skipped instead of queued.
type DtuJob struct {
	name     string
	reader   dtu.PlantReader
	breakers *recovery.Manager
	health   *health.Registry
	db       *storage.Database
	metrics  *metrics.Metrics
	log      *logrus.Entry

	mu sync.Mutex
}

func NewDtuJob(name string, reader dtu.PlantReader, breakers *recovery.Manager,
	healthReg *health.Registry, db *storage.Database, m *metrics.Metrics) *DtuJob {
	return &DtuJob{
		name:     name,
		reader:   reader,
		breakers: breakers,
		health:   healthReg,
		db:       db,
		metrics:  m,
		log:      logrus.WithField("dtu", name),
	}
}

func (j *DtuJob) Name() string { return j.name }

// Execute runs one query cycle and reports whether it produced data.
// Overlapping calls return false immediately; slow hardware must not pile
// up concurrent Modbus sessions.
func (j *DtuJob) Execute() bool {
	if !j.mu.TryLock() {
		j.log.Warn("Previous query still running, skipping cycle")
		return false
	}
	defer j.mu.Unlock()

	start := time.Now()

	var data *dtu.PlantData
	err := j.breakers.Execute(j.name, func() error {
		d, readErr := j.reader.ReadPlantData()
		if readErr != nil {
			return readErr
		}
		data = d
		return nil
	})
	j.recordBreakerState()

	if err != nil {
		errType := classifyError(err)
		if errors.Is(err, recovery.ErrBreakerOpen) {
			j.log.Debug("Circuit breaker open, query skipped")
		} else {
			j.log.WithError(err).WithField("error_type", errType).Warn("DTU query failed")
		}
		j.health.RecordError(j.name, errType, err.Error())
		return false
	}

	j.persist(data)
	j.recordDeviceMetrics(data)
	j.health.RecordSuccess(j.name, time.Since(start))

	j.log.WithFields(logrus.Fields{
		"inverters": len(data.Inverters),
		"power_w":   data.TotalPower(),
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("DTU query complete")

	return true
}

// persist writes the snapshot. Storage failures are logged and swallowed:
// a full disk or a flaky database must not stop live telemetry from
// reaching the push and metrics paths.
func (j *DtuJob) persist(data *dtu.PlantData) {
	for i := range data.Inverters {
		inv := &data.Inverters[i]

		raw, _ := json.Marshal(inv)
		reading := &storage.InverterReading{
			SerialNumber:    inv.SerialNumber,
			Timestamp:       data.Timestamp,
			GridVoltage:     inv.GridVoltage,
			GridFrequency:   inv.GridFrequency,
			Temperature:     inv.Temperature,
			OperatingStatus: inv.OperatingStatus,
			AlarmCode:       inv.AlarmCode,
			AlarmCount:      inv.AlarmCount,
			LinkStatus:      inv.LinkStatus,
			RawData:         string(raw),
		}
		if err := j.db.AppendInverterReading(j.name, reading); err != nil {
			j.log.WithError(err).WithField("serial", inv.SerialNumber).
				Error("Failed to store inverter reading")
		}

		for _, port := range inv.Ports {
			portRaw, _ := json.Marshal(port)
			portReading := &storage.PortReading{
				SerialNumber:    inv.SerialNumber,
				PortNumber:      port.PortNumber,
				Timestamp:       data.Timestamp,
				PVVoltage:       port.PVVoltage,
				PVCurrent:       port.PVCurrent,
				PVPower:         port.PVPower,
				TodayProduction: port.TodayProduction,
				TotalProduction: port.TotalProduction,
				RawData:         string(portRaw),
			}
			if err := j.db.AppendPortReading(portReading); err != nil {
				j.log.WithError(err).WithField("serial", inv.SerialNumber).
					Error("Failed to store port reading")
			}
			if err := j.db.UpsertProduction(inv.SerialNumber, port.PortNumber,
				port.TodayProduction, port.TotalProduction); err != nil {
				j.log.WithError(err).WithField("serial", inv.SerialNumber).
					Error("Failed to update production cache")
			}
		}
	}
}

func (j *DtuJob) recordDeviceMetrics(data *dtu.PlantData) {
	if j.metrics == nil {
		return
	}

	var today, total int64
	for _, inv := range data.Inverters {
		if inv.Temperature != nil {
			j.metrics.InverterTemperature.WithLabelValues(inv.SerialNumber).Set(*inv.Temperature)
		}
		if inv.OperatingStatus != nil {
			j.metrics.InverterStatus.WithLabelValues(inv.SerialNumber).Set(float64(*inv.OperatingStatus))
		}
		for _, port := range inv.Ports {
			if port.PVPower != nil {
				j.metrics.InverterPower.
					WithLabelValues(inv.SerialNumber, strconv.Itoa(port.PortNumber)).
					Set(*port.PVPower)
			}
			today += port.TodayProduction
			total += port.TotalProduction
		}
	}

	j.metrics.DtuPower.WithLabelValues(j.name).Set(data.TotalPower())
	j.metrics.TodayProduction.WithLabelValues(j.name).Set(float64(today))
	j.metrics.TotalProduction.WithLabelValues(j.name).Set(float64(total))
}

func (j *DtuJob) recordBreakerState() {
	if j.metrics == nil {
		return
	}
	j.metrics.CircuitBreakerState.WithLabelValues(j.name).
		Set(float64(j.breakers.State(j.name)))
}

// classifyError buckets failures for the error counter. The buckets match
// what operators alert on: a timeout means the DTU is slow or sleeping, a
// transport error means the network path is broken, a protocol error means
// the device answered nonsense. Anything else is unexpected and worth a
// closer look.
func classifyError(err error) string {
	var netErr net.Error
	var opErr *net.OpError
	var mbErr modbus.Error

	switch {
	case errors.Is(err, recovery.ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, modbus.ErrRequestTimedOut),
		errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &opErr):
		return "transport"
	case errors.As(err, &mbErr),
		errors.Is(err, dtu.ErrMalformedResponse):
		return "protocol"
	default:
		return "unexpected"
	}
}
