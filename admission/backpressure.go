package admission

import (
	"sort"
	"sync"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

// Level is the degradation ladder position.
type Level int

const (
	LevelNormal Level = iota
	LevelDegraded
	LevelLimited
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelDegraded:
		return "degraded"
	case LevelLimited:
		return "limited"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Signals is one observation window summarized.
type Signals struct {
	QueueDepth  int
	LatencyP50  time.Duration
	LatencyP95  time.Duration
	LatencyP99  time.Duration
	ErrorRate   float64
	Utilization float64
}

// Thresholds are the warn/critical breach lines per signal. Zero values
// disable a line.
type Thresholds struct {
	QueueDepthWarn      int           `json:"queue_depth_warn" yaml:"queue_depth_warn"`
	QueueDepthCritical  int           `json:"queue_depth_critical" yaml:"queue_depth_critical"`
	LatencyP99Warn      time.Duration `json:"-" yaml:"-"`
	LatencyP99Critical  time.Duration `json:"-" yaml:"-"`
	ErrorRateWarn       float64       `json:"error_rate_warn" yaml:"error_rate_warn"`
	ErrorRateCritical   float64       `json:"error_rate_critical" yaml:"error_rate_critical"`
	UtilizationWarn     float64       `json:"utilization_warn" yaml:"utilization_warn"`
	UtilizationCritical float64       `json:"utilization_critical" yaml:"utilization_critical"`
}

type breach int

const (
	breachNone breach = iota
	breachWarn
	breachCritical
)

func (t Thresholds) evaluate(s Signals) breach {
	worst := breachNone
	check := func(warnHit, criticalHit bool) {
		if criticalHit && worst < breachCritical {
			worst = breachCritical
		} else if warnHit && worst < breachWarn {
			worst = breachWarn
		}
	}
	check(t.QueueDepthWarn > 0 && s.QueueDepth >= t.QueueDepthWarn,
		t.QueueDepthCritical > 0 && s.QueueDepth >= t.QueueDepthCritical)
	check(t.LatencyP99Warn > 0 && s.LatencyP99 >= t.LatencyP99Warn,
		t.LatencyP99Critical > 0 && s.LatencyP99 >= t.LatencyP99Critical)
	check(t.ErrorRateWarn > 0 && s.ErrorRate >= t.ErrorRateWarn,
		t.ErrorRateCritical > 0 && s.ErrorRate >= t.ErrorRateCritical)
	check(t.UtilizationWarn > 0 && s.Utilization >= t.UtilizationWarn,
		t.UtilizationCritical > 0 && s.Utilization >= t.UtilizationCritical)
	return worst
}

// AIMD is the throttle factor: multiplicative decrease on breach,
// multiplicative increase on sustained recovery. The factor is the admitted
// fraction of requests, accumulated as deterministic credit.
type AIMD struct {
	factor   float64
	decrease float64
	increase float64
	floor    float64
	credit   float64
}

func newAIMD() *AIMD {
	// credit starts full so the first admission after degradation passes
	return &AIMD{factor: 1, decrease: 0.5, increase: 1.25, floor: 0.05, credit: 1}
}

func (a *AIMD) onBreach() {
	a.factor *= a.decrease
	if a.factor < a.floor {
		a.factor = a.floor
	}
}

func (a *AIMD) onRecovery() {
	a.factor *= a.increase
	if a.factor > 1 {
		a.factor = 1
	}
}

// admit consumes accumulated credit; at factor f it admits f of the calls.
func (a *AIMD) admit() bool {
	if a.credit >= 1 {
		a.credit += a.factor - 1
		return true
	}
	a.credit += a.factor
	return false
}

// Factor reports the current admitted fraction.
func (a *AIMD) Factor() float64 { return a.factor }

type windowSample struct {
	latency time.Duration
	failed  bool
}

// Controller observes execution signals over sliding windows and degrades
// admission through ordered strategies: Throttle (AIMD), Shed (priority
// floor per level, to the dead-letter queue), Buffer (queue TTL applied by
// the chain). Stepping the ladder down requires two consecutive clean
// windows.
type Controller struct {
	mu         sync.Mutex
	thresholds Thresholds
	level      Level
	clean      int
	throttle   *AIMD
	shedFloor  map[Level]int
	dlq        *DeadLetter
	logger     orchestra.Logger
	sink       orchestra.Sink

	samples     []windowSample
	lastDepth   int
	lastUtil    float64
	maxSamples  int
	cleanNeeded int
}

// ControllerOption customizes controller construction.
type ControllerOption func(*Controller)

// WithThresholds sets the breach lines.
func WithThresholds(t Thresholds) ControllerOption {
	return func(c *Controller) { c.thresholds = t }
}

// WithShedFloors sets the minimum admitted priority per degradation level.
func WithShedFloors(floors map[Level]int) ControllerOption {
	return func(c *Controller) {
		if floors != nil {
			c.shedFloor = floors
		}
	}
}

// WithControllerDeadLetter parks shed tasks for inspection.
func WithControllerDeadLetter(dlq *DeadLetter) ControllerOption {
	return func(c *Controller) { c.dlq = dlq }
}

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger orchestra.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithControllerSink pushes level changes and window summaries.
func WithControllerSink(sink orchestra.Sink) ControllerOption {
	return func(c *Controller) { c.sink = sink }
}

// NewController constructs a backpressure controller.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		throttle: newAIMD(),
		shedFloor: map[Level]int{
			LevelNormal:    0,
			LevelDegraded:  1,
			LevelLimited:   5,
			LevelEmergency: 8,
		},
		maxSamples:  1024,
		cleanNeeded: 2,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = orchestra.NormalizeLogger(c.logger)
	return c
}

// Observe records one completed execution plus current depth/utilization.
func (c *Controller) Observe(latency time.Duration, failed bool, queueDepth int, utilization float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) < c.maxSamples {
		c.samples = append(c.samples, windowSample{latency: latency, failed: failed})
	}
	c.lastDepth = queueDepth
	c.lastUtil = utilization
}

// Signals summarizes the current window.
func (c *Controller) Signals() Signals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalsLocked()
}

func (c *Controller) signalsLocked() Signals {
	s := Signals{QueueDepth: c.lastDepth, Utilization: c.lastUtil}
	if len(c.samples) == 0 {
		return s
	}
	latencies := make([]time.Duration, 0, len(c.samples))
	failures := 0
	for _, sample := range c.samples {
		latencies = append(latencies, sample.latency)
		if sample.failed {
			failures++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.LatencyP50 = percentile(latencies, 0.50)
	s.LatencyP95 = percentile(latencies, 0.95)
	s.LatencyP99 = percentile(latencies, 0.99)
	s.ErrorRate = float64(failures) / float64(len(c.samples))
	return s
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// EndWindow closes the observation window: evaluates thresholds, steps the
// degradation ladder, adjusts the AIMD factor, and resets samples. Stepping
// down requires cleanNeeded consecutive clean windows (hysteresis).
func (c *Controller) EndWindow() Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	signals := c.signalsLocked()
	verdict := c.thresholds.evaluate(signals)
	prev := c.level

	switch verdict {
	case breachCritical:
		c.clean = 0
		c.throttle.onBreach()
		if c.level < LevelEmergency {
			c.level++
		}
	case breachWarn:
		c.clean = 0
		c.throttle.onBreach()
		if c.level < LevelDegraded {
			c.level = LevelDegraded
		}
	default:
		c.clean++
		c.throttle.onRecovery()
		if c.clean >= c.cleanNeeded && c.level > LevelNormal {
			c.level--
			c.clean = 0
		}
	}

	if c.level != prev {
		c.logger.Warn("backpressure level %s -> %s (p99=%v err=%.2f depth=%d)",
			prev, c.level, signals.LatencyP99, signals.ErrorRate, signals.QueueDepth)
		orchestra.Emit(c.sink, "backpressure.level", orchestra.ScopeGlobal, float64(c.level), map[string]any{
			"from": prev.String(), "to": c.level.String(),
		})
	}

	c.samples = c.samples[:0]
	return c.level
}

// Level reports the current degradation level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Factor reports the current AIMD admission fraction.
func (c *Controller) Factor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttle.Factor()
}

// Admit applies the ordered strategies to one task: shed below the level's
// priority floor, then throttle by AIMD credit. Shed tasks are parked in the
// dead-letter queue.
func (c *Controller) Admit(task *orchestra.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if floor, ok := c.shedFloor[c.level]; ok && c.level > LevelNormal && task.Priority < floor {
		c.dlq.Park(task, "shed: priority below "+c.level.String()+" floor")
		return orchestra.FlowControlError(orchestra.ErrShed, orchestra.ScopeTaskType(task.Name), 0)
	}
	if c.level > LevelNormal && !c.throttle.admit() {
		return orchestra.FlowControlError(orchestra.ErrRateLimited, orchestra.ScopeGlobal, 0)
	}
	return nil
}
