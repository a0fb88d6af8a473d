package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process-wide Prometheus registry. It is created once at
// startup and passed explicitly to every component that records a
// measurement; nothing registers into a package-level default.
type Metrics struct {
	registry *prometheus.Registry

	QueryTotal          *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryErrors         *prometheus.CounterVec
	DtuAvailable        *prometheus.GaugeVec
	DtuPower            *prometheus.GaugeVec
	TodayProduction     *prometheus.GaugeVec
	TotalProduction     *prometheus.GaugeVec
	InverterPower       *prometheus.GaugeVec
	InverterTemperature *prometheus.GaugeVec
	InverterStatus      *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	Uptime              prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.QueryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hoymiles_queries_total",
		Help: "Total number of DTU queries",
	}, []string{"dtu_name", "status"})

	m.QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hoymiles_query_duration_seconds",
		Help:    "DTU query duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"dtu_name"})

	m.QueryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hoymiles_query_errors_total",
		Help: "Total number of query errors",
	}, []string{"dtu_name", "error_type"})

	m.DtuAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_dtu_available",
		Help: "DTU availability (1=available, 0=unavailable)",
	}, []string{"dtu_name"})

	m.DtuPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_dtu_power_watts",
		Help: "Total DTU power output",
	}, []string{"dtu_name"})

	m.TodayProduction = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_today_production_wh",
		Help: "Today energy production",
	}, []string{"dtu_name"})

	m.TotalProduction = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_total_production_wh",
		Help: "Total lifetime production",
	}, []string{"dtu_name"})

	m.InverterPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_inverter_power_watts",
		Help: "Current inverter port power",
	}, []string{"serial_number", "port"})

	m.InverterTemperature = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_inverter_temperature_celsius",
		Help: "Inverter temperature",
	}, []string{"serial_number"})

	m.InverterStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_inverter_status",
		Help: "Inverter operating status",
	}, []string{"serial_number"})

	m.CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoymiles_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dtu_name"})

	m.Uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hoymiles_bridge_uptime_seconds",
		Help: "Application uptime",
	})

	m.registry.MustRegister(
		m.QueryTotal, m.QueryDuration, m.QueryErrors,
		m.DtuAvailable, m.DtuPower, m.TodayProduction, m.TotalProduction,
		m.InverterPower, m.InverterTemperature, m.InverterStatus,
		m.CircuitBreakerState, m.Uptime,
	)

	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
