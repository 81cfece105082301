package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/models"
)

var (
	eventsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libresiem_detector_events_total",
		Help: "Events evaluated by the detection engine.",
	})

	alertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libresiem_detector_alerts_total",
		Help: "Alerts emitted, by rule type.",
	}, []string{"rule_type"})

	alertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libresiem_detector_alerts_suppressed_total",
		Help: "Alerts dropped by the throttle window.",
	})

	ruleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libresiem_detector_rule_errors_total",
		Help: "Rule evaluation failures, by rule type.",
	}, []string{"rule_type"})
)

// Engine consumes enriched events and runs every enabled rule against
// them. A failing rule never blocks the others.
type Engine struct {
	consumer    bus.Consumer
	producer    bus.Producer
	rules       *Store
	throttle    *Throttle
	alertsTopic string

	mu           sync.Mutex
	anomalyState map[string]*anomalyState

	logger *slog.Logger
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an Engine. throttle may be nil, which disables alert
// suppression.
func NewEngine(consumer bus.Consumer, producer bus.Producer, rules *Store, throttle *Throttle, alertsTopic string) *Engine {
	return &Engine{
		consumer:     consumer,
		producer:     producer,
		rules:        rules,
		throttle:     throttle,
		alertsTopic:  alertsTopic,
		anomalyState: make(map[string]*anomalyState),
		logger:       slog.Default().With("component", "detection-engine"),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the consume loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	e.logger.Info("Detection engine started", "rules", len(e.rules.Snapshot().Rules))
}

// Stop shuts the loop down.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Detection engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	for {
		msg, err := e.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Failed to fetch message", "error", err)
			continue
		}

		if err := e.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Failed to evaluate event, leaving uncommitted", "error", err)
			continue
		}

		if err := e.consumer.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			e.logger.Error("Failed to commit offset", "error", err)
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg bus.Message) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Undecodable events were already filtered by the processor.
		e.logger.Warn("Dropping undecodable enriched event", "error", err)
		return nil
	}

	eventsEvaluated.Inc()
	snapshot := e.rules.Snapshot()

	for _, rule := range snapshot.Rules {
		if !rule.Enabled {
			continue
		}
		if rule.EventType != "" && rule.EventType != event.EventType {
			continue
		}

		matched, fields, err := e.evaluate(ctx, rule, &event)
		if err != nil {
			ruleErrors.WithLabelValues(string(rule.Type)).Inc()
			e.logger.Warn("Rule evaluation failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}

		if err := e.emit(ctx, rule, &event, fields); err != nil {
			return err
		}
	}
	return nil
}

// evaluate dispatches on the rule type. Panics inside a rule are converted
// to errors so one bad rule cannot take the engine down.
func (e *Engine) evaluate(ctx context.Context, rule *Rule, event *models.Event) (matched bool, fields map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("panic in rule %s: %v", rule.ID, r)
		}
	}()

	switch rule.Type {
	case RuleTypeCustom:
		fields = make(map[string]any)
		matched = rule.Condition.Eval(event, fields)
		return matched, fields, nil
	case RuleTypeSigma:
		return rule.matchSigma(ctx, event)
	case RuleTypeYara:
		return rule.matchYara(event)
	case RuleTypeAnomaly:
		matched, fields = rule.matchAnomaly(e.stateFor(rule.ID), event)
		return matched, fields, nil
	default:
		return false, nil, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

func (e *Engine) stateFor(ruleID string) *anomalyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.anomalyState[ruleID]
	if !ok {
		state = newAnomalyState()
		e.anomalyState[ruleID] = state
	}
	return state
}

func (e *Engine) emit(ctx context.Context, rule *Rule, event *models.Event, fields map[string]any) error {
	if e.throttle != nil && rule.Throttle > 0 {
		allowed, err := e.throttle.Allow(ctx, rule.ID, event.Fingerprint(), rule.Throttle)
		if err != nil {
			// Fail open: a cache outage must not silence detections.
			e.logger.Warn("Throttle check failed, emitting anyway", "rule_id", rule.ID, "error", err)
		} else if !allowed {
			alertsSuppressed.Inc()
			e.logger.Debug("Alert suppressed by throttle", "rule_id", rule.ID)
			return nil
		}
	}

	alert := models.Alert{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Severity:      rule.Severity,
		Title:         rule.Name,
		Description:   rule.Description,
		Timestamp:     e.now().UTC(),
		SourceEvent:   event,
		MatchedFields: fields,
		Tags:          rule.Tags,
	}

	payload, err := json.Marshal(&alert)
	if err != nil {
		return fmt.Errorf("encoding alert for rule %s: %w", rule.ID, err)
	}
	if err := e.producer.Publish(ctx, e.alertsTopic, []byte(rule.ID), payload); err != nil {
		return fmt.Errorf("publishing alert for rule %s: %w", rule.ID, err)
	}

	alertsFired.WithLabelValues(string(rule.Type)).Inc()
	e.logger.Info("Alert emitted",
		"rule_id", rule.ID, "severity", rule.Severity, "event_id", event.ID)
	return nil
}
