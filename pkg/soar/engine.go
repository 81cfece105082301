package soar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/models"
)

var (
	playbookRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libresiem_soar_playbook_runs_total",
		Help: "Playbook executions, by outcome.",
	}, []string{"outcome"})

	actionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libresiem_soar_actions_total",
		Help: "Playbook actions, by driver and status.",
	}, []string{"driver", "status"})
)

// Engine consumes alerts and runs every matching playbook against them.
type Engine struct {
	consumer  bus.Consumer
	playbooks *PlaybookStore
	drivers   map[string]Driver
	runlog    RunRecorder

	logger *slog.Logger
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an Engine. drivers must cover every action type the
// loaded playbooks reference.
func NewEngine(consumer bus.Consumer, playbooks *PlaybookStore, drivers map[string]Driver, runlog RunRecorder) *Engine {
	return &Engine{
		consumer:  consumer,
		playbooks: playbooks,
		drivers:   drivers,
		runlog:    runlog,
		logger:    slog.Default().With("component", "soar-engine"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the consume loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	e.logger.Info("Response engine started", "playbooks", len(e.playbooks.Snapshot()))
}

// Stop shuts the loop down.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Response engine stopped")
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
			e.logger.Error("Failed to fetch alert", "error", err)
			continue
		}

		e.handle(ctx, msg)

		if err := e.consumer.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			e.logger.Error("Failed to commit offset", "error", err)
		}
	}
}

// handle runs all matching playbooks. Playbook failures are logged and
// recorded but never poison the alert stream, so the offset is always
// committed.
func (e *Engine) handle(ctx context.Context, msg bus.Message) {
	var alert models.Alert
	if err := json.Unmarshal(msg.Value, &alert); err != nil {
		e.logger.Warn("Dropping undecodable alert", "error", err)
		return
	}

	for _, pb := range e.playbooks.Snapshot() {
		if !pb.Enabled || !pb.Matches(&alert) {
			continue
		}
		e.runPlaybook(ctx, pb, &alert)
	}
}

func (e *Engine) runPlaybook(ctx context.Context, pb *Playbook, alert *models.Alert) {
	logger := e.logger.With("playbook_id", pb.ID, "alert_id", alert.ID)
	logger.Info("Running playbook", "actions", len(pb.Actions))

	failed := false
	stopped := false
	for i := range pb.Actions {
		action := &pb.Actions[i]

		if stopped {
			e.record(ctx, pb, alert, action, RunStatusSkipped, 0, "skipped after earlier failure")
			continue
		}
		if len(action.Condition) > 0 && !fieldsMatch(action.Condition, alert) {
			e.record(ctx, pb, alert, action, RunStatusSkipped, 0, "")
			continue
		}

		status, duration, err := e.runAction(ctx, action, alert)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			failed = true
			if action.FailStop {
				stopped = true
			}
			logger.Warn("Playbook action failed",
				"action", action.Name, "driver", action.Type, "status", status, "error", err)
		} else {
			logger.Info("Playbook action completed",
				"action", action.Name, "driver", action.Type, "duration", duration)
		}
		e.record(ctx, pb, alert, action, status, duration, errMsg)
	}

	if failed {
		playbookRuns.WithLabelValues("failed").Inc()
	} else {
		playbookRuns.WithLabelValues("ok").Inc()
	}
}

func (e *Engine) runAction(ctx context.Context, action *Action, alert *models.Alert) (RunStatus, time.Duration, error) {
	driver := e.drivers[action.Type]

	params, err := renderParams(action.Params, alert)
	if err != nil {
		return RunStatusError, 0, fmt.Errorf("rendering params: %w", err)
	}

	actionCtx, cancel := context.WithTimeout(ctx, action.Timeout)
	defer cancel()

	start := e.now()
	_, err = e.execute(actionCtx, driver, params, alert)
	duration := e.now().Sub(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || actionCtx.Err() == context.DeadlineExceeded {
			return RunStatusTimeout, duration, err
		}
		return RunStatusError, duration, err
	}
	return RunStatusOK, duration, nil
}

// execute isolates driver panics.
func (e *Engine) execute(ctx context.Context, driver Driver, params map[string]string, alert *models.Alert) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in driver %s: %v", driver.Name(), r)
		}
	}()
	return driver.Execute(ctx, params, alert)
}

func (e *Engine) record(ctx context.Context, pb *Playbook, alert *models.Alert, action *Action, status RunStatus, duration time.Duration, errMsg string) {
	actionRuns.WithLabelValues(action.Type, string(status)).Inc()
	if e.runlog == nil {
		return
	}
	rec := RunRecord{
		PlaybookID: pb.ID,
		AlertID:    alert.ID,
		ActionName: action.Name,
		Status:     status,
		Duration:   duration,
		Error:      errMsg,
		At:         e.now().UTC(),
	}
	if err := e.runlog.Record(ctx, rec); err != nil {
		e.logger.Warn("Failed to record playbook run", "playbook_id", pb.ID, "error", err)
	}
}
