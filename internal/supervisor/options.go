package supervisor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/svisor/internal/health"
	"github.com/loykin/svisor/internal/history"
	"github.com/loykin/svisor/internal/logger"
	"github.com/loykin/svisor/internal/metrics"
)

// Timing holds every delay and budget the supervisor uses.
type Timing struct {
	SettleDelay             time.Duration `json:"settle_delay" mapstructure:"settle_delay"`
	ReadinessInterval       time.Duration `json:"readiness_interval" mapstructure:"readiness_interval"`
	ReadinessTimeout        time.Duration `json:"readiness_timeout" mapstructure:"readiness_timeout"`
	ProbeTimeout            time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	MonitorInterval         time.Duration `json:"monitor_interval" mapstructure:"monitor_interval"`
	GracePeriod             time.Duration `json:"grace_period" mapstructure:"grace_period"`
	RestartSettleDelay      time.Duration `json:"restart_settle_delay" mapstructure:"restart_settle_delay"`
	RestartReadinessTimeout time.Duration `json:"restart_readiness_timeout" mapstructure:"restart_readiness_timeout"`
	BackoffBase             time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax              time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
}

// DefaultTiming returns the stock timings.
func DefaultTiming() Timing {
	return Timing{
		SettleDelay:             3 * time.Second,
		ReadinessInterval:       time.Second,
		ReadinessTimeout:        30 * time.Second,
		ProbeTimeout:            time.Second,
		MonitorInterval:         5 * time.Second,
		GracePeriod:             5 * time.Second,
		RestartSettleDelay:      2 * time.Second,
		RestartReadinessTimeout: 10 * time.Second,
		BackoffBase:             time.Second,
		BackoffMax:              time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultTiming.
func (t Timing) WithDefaults() Timing {
	d := DefaultTiming()
	fill := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&t.SettleDelay, d.SettleDelay)
	fill(&t.ReadinessInterval, d.ReadinessInterval)
	fill(&t.ReadinessTimeout, d.ReadinessTimeout)
	fill(&t.ProbeTimeout, d.ProbeTimeout)
	fill(&t.MonitorInterval, d.MonitorInterval)
	fill(&t.GracePeriod, d.GracePeriod)
	fill(&t.RestartSettleDelay, d.RestartSettleDelay)
	fill(&t.RestartReadinessTimeout, d.RestartReadinessTimeout)
	fill(&t.BackoffBase, d.BackoffBase)
	fill(&t.BackoffMax, d.BackoffMax)
	return t
}

// Validate rejects negative durations and intervals that cannot tick.
func (t Timing) Validate() error {
	all := map[string]time.Duration{
		"settle_delay":              t.SettleDelay,
		"readiness_interval":        t.ReadinessInterval,
		"readiness_timeout":         t.ReadinessTimeout,
		"probe_timeout":             t.ProbeTimeout,
		"monitor_interval":          t.MonitorInterval,
		"grace_period":              t.GracePeriod,
		"restart_settle_delay":      t.RestartSettleDelay,
		"restart_readiness_timeout": t.RestartReadinessTimeout,
		"backoff_base":              t.BackoffBase,
		"backoff_max":               t.BackoffMax,
	}
	for name, v := range all {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if t.BackoffMax < t.BackoffBase {
		return fmt.Errorf("backoff_max (%s) is below backoff_base (%s)", t.BackoffMax, t.BackoffBase)
	}
	return nil
}

// backoff returns the delay before the next launch after failures
// consecutive launches that never became healthy.
func (t Timing) backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := t.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= t.BackoffMax {
			return t.BackoffMax
		}
	}
	return min(d, t.BackoffMax)
}

// Options carries the collaborators of a Supervisor. Nil fields get
// working defaults.
type Options struct {
	Timing     Timing
	Logger     *slog.Logger
	ProcessLog logger.FileConfig
	Prober     *health.Prober
	History    *history.Recorder
	Sampler    *metrics.Sampler
}
