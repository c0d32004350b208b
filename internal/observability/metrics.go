// Package observability records what a provisioning run spent its time on:
// per-stage durations and every external command with its exit code.
package observability

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/crunchmage/internal/tools"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

const namespace = "crunchmage"

// StageSample is one completed (or failed) stage.
type StageSample struct {
	Stage    string
	Duration time.Duration
	Failed   bool
}

// CommandStats aggregates invocations of one external command.
type CommandStats struct {
	Name     string
	Calls    int
	Failures int
	Total    time.Duration
	LastExit int32
}

// Snapshot is a copy of everything recorded so far.
type Snapshot struct {
	Stages   []StageSample
	Commands []CommandStats
}

type stageKey struct {
	stage  string
	failed bool
}

// Recorder keeps its metrics in a private registry so runs never share
// series. It is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry
	now      func() time.Time

	stageDuration   *prometheus.HistogramVec
	commandCalls    *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	commandSeconds  *prometheus.CounterVec
	lastExit        *prometheus.GaugeVec

	mu    sync.Mutex
	order []stageKey
}

func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry(), now: time.Now}
	r.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Time spent reaching each provisioning state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "failed"},
	)
	r.commandCalls = commandCounter("calls_total", "External commands invoked.")
	r.commandFailures = commandCounter("failures_total", "External commands that returned an error.")
	r.commandSeconds = commandCounter("seconds_total", "Wall time spent in external commands.")
	r.lastExit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "last_exit_code",
			Help:      "Exit code of the most recent invocation.",
		},
		[]string{"cmd"},
	)
	r.registry.MustRegister(r.stageDuration, r.commandCalls, r.commandFailures, r.commandSeconds, r.lastExit)
	return r
}

func commandCounter(name string, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      name,
			Help:      help,
		},
		[]string{"cmd"},
	)
}

// Registry exposes the recorder's metrics for export.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile dumps every metric in the text exposition format, for the
// node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

// StartStage returns a func that records the stage when called with the
// stage's error.
func (r *Recorder) StartStage(stage string) func(err error) {
	start := r.now()
	return func(err error) {
		r.RecordStage(stage, r.now().Sub(start), err)
	}
}

func (r *Recorder) RecordStage(stage string, d time.Duration, err error) {
	key := stageKey{stage: stage, failed: err != nil}
	r.mu.Lock()
	seen := false
	for _, k := range r.order {
		if k == key {
			seen = true
			break
		}
	}
	if !seen {
		r.order = append(r.order, key)
	}
	r.mu.Unlock()
	r.stageDuration.WithLabelValues(stage, strconv.FormatBool(key.failed)).Observe(d.Seconds())
	log.Debug().Str("stage", stage).Dur("took", d).Bool("failed", key.failed).Msg("observability.stage")
}

func (r *Recorder) RecordCommand(name string, exit int32, d time.Duration, err error) {
	r.commandCalls.WithLabelValues(name).Inc()
	r.commandSeconds.WithLabelValues(name).Add(d.Seconds())
	r.lastExit.WithLabelValues(name).Set(float64(exit))
	if err != nil {
		r.commandFailures.WithLabelValues(name).Inc()
	}
}

// Snapshot reads the registry back. Stages keep the order they were first
// recorded in; a stage recorded twice reports its summed duration.
func (r *Recorder) Snapshot() Snapshot {
	families, err := r.registry.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("observability.gather")
	}

	stageSeconds := map[stageKey]float64{}
	commands := map[string]*CommandStats{}
	command := func(name string) *CommandStats {
		stats, ok := commands[name]
		if !ok {
			stats = &CommandStats{Name: name}
			commands[name] = stats
		}
		return stats
	}

	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := labelMap(m)
			switch family.GetName() {
			case namespace + "_stage_duration_seconds":
				key := stageKey{stage: labels["stage"], failed: labels["failed"] == "true"}
				stageSeconds[key] += m.GetHistogram().GetSampleSum()
			case namespace + "_command_calls_total":
				command(labels["cmd"]).Calls = int(m.GetCounter().GetValue())
			case namespace + "_command_failures_total":
				command(labels["cmd"]).Failures = int(m.GetCounter().GetValue())
			case namespace + "_command_seconds_total":
				command(labels["cmd"]).Total = seconds(m.GetCounter().GetValue())
			case namespace + "_command_last_exit_code":
				command(labels["cmd"]).LastExit = int32(m.GetGauge().GetValue())
			}
		}
	}

	var snap Snapshot
	r.mu.Lock()
	for _, key := range r.order {
		snap.Stages = append(snap.Stages, StageSample{
			Stage:    key.stage,
			Duration: seconds(stageSeconds[key]),
			Failed:   key.failed,
		})
	}
	r.mu.Unlock()
	for _, stats := range commands {
		snap.Commands = append(snap.Commands, *stats)
	}
	sort.Slice(snap.Commands, func(i, j int) bool { return snap.Commands[i].Name < snap.Commands[j].Name })
	return snap
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, pair := range m.GetLabel() {
		out[pair.GetName()] = pair.GetValue()
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

// Runner wraps a CommandRunner and records every call.
type Runner struct {
	Next     tools.CommandRunner
	Recorder *Recorder
}

func InstrumentRunner(next tools.CommandRunner, rec *Recorder) Runner {
	return Runner{Next: next, Recorder: rec}
}

func (r Runner) Run(ctx context.Context, env tools.Env, name string, args ...string) ([]byte, []byte, int32, error) {
	start := r.Recorder.now()
	stdout, stderr, exit, err := r.Next.Run(ctx, env, name, args...)
	r.Recorder.RecordCommand(name, exit, r.Recorder.now().Sub(start), err)
	return stdout, stderr, exit, err
}
