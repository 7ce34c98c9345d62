package admission

import (
	"strings"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

// Declarative forms of the admission settings. Durations are authored as
// strings ("250ms", "1m") and parsed on conversion, the same way task-type
// documents carry them.

// ThresholdsDoc is the document form of Thresholds.
type ThresholdsDoc struct {
	QueueDepthWarn      int     `json:"queue_depth_warn" yaml:"queue_depth_warn"`
	QueueDepthCritical  int     `json:"queue_depth_critical" yaml:"queue_depth_critical"`
	LatencyP99Warn      string  `json:"latency_p99_warn" yaml:"latency_p99_warn"`
	LatencyP99Critical  string  `json:"latency_p99_critical" yaml:"latency_p99_critical"`
	ErrorRateWarn       float64 `json:"error_rate_warn" yaml:"error_rate_warn"`
	ErrorRateCritical   float64 `json:"error_rate_critical" yaml:"error_rate_critical"`
	UtilizationWarn     float64 `json:"utilization_warn" yaml:"utilization_warn"`
	UtilizationCritical float64 `json:"utilization_critical" yaml:"utilization_critical"`
}

// ToThresholds converts the document form, parsing duration strings.
func (doc ThresholdsDoc) ToThresholds() (Thresholds, error) {
	t := Thresholds{
		QueueDepthWarn:      doc.QueueDepthWarn,
		QueueDepthCritical:  doc.QueueDepthCritical,
		ErrorRateWarn:       doc.ErrorRateWarn,
		ErrorRateCritical:   doc.ErrorRateCritical,
		UtilizationWarn:     doc.UtilizationWarn,
		UtilizationCritical: doc.UtilizationCritical,
	}
	var err error
	if t.LatencyP99Warn, err = parseConfigDuration(doc.LatencyP99Warn, "latency_p99_warn"); err != nil {
		return Thresholds{}, err
	}
	if t.LatencyP99Critical, err = parseConfigDuration(doc.LatencyP99Critical, "latency_p99_critical"); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// BreakerConfigDoc is the document form of BreakerConfig.
type BreakerConfigDoc struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    string `json:"failure_window" yaml:"failure_window"`
	ResetTimeout     string `json:"reset_timeout" yaml:"reset_timeout"`
	SuccessThreshold int    `json:"success_threshold" yaml:"success_threshold"`
}

// ToConfig converts the document form, parsing duration strings.
func (doc BreakerConfigDoc) ToConfig() (BreakerConfig, error) {
	cfg := BreakerConfig{
		FailureThreshold: doc.FailureThreshold,
		SuccessThreshold: doc.SuccessThreshold,
	}
	var err error
	if cfg.FailureWindow, err = parseConfigDuration(doc.FailureWindow, "failure_window"); err != nil {
		return BreakerConfig{}, err
	}
	if cfg.ResetTimeout, err = parseConfigDuration(doc.ResetTimeout, "reset_timeout"); err != nil {
		return BreakerConfig{}, err
	}
	return cfg, nil
}

// QueueConfigDoc is the document form of QueueConfig.
type QueueConfigDoc struct {
	MaxSize  int    `json:"max_size" yaml:"max_size"`
	Ordering string `json:"ordering" yaml:"ordering"`
	Overflow string `json:"overflow" yaml:"overflow"`
	TTL      string `json:"ttl" yaml:"ttl"`
}

// ToConfig converts the document form, parsing duration strings.
func (doc QueueConfigDoc) ToConfig() (QueueConfig, error) {
	cfg := QueueConfig{
		MaxSize:  doc.MaxSize,
		Ordering: doc.Ordering,
		Overflow: doc.Overflow,
	}
	var err error
	if cfg.TTL, err = parseConfigDuration(doc.TTL, "ttl"); err != nil {
		return QueueConfig{}, err
	}
	return cfg, nil
}

func parseConfigDuration(raw, field string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, orchestra.CloneError(orchestra.ErrInvalidSchema, "invalid duration", err, map[string]any{
			"field": field, "value": raw,
		})
	}
	return d, nil
}
