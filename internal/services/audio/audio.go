// Package audio tracks the default sink and source volumes by polling
// wpctl. Commands patch the snapshot before running wpctl so the UI does
// not wait for the next poll.
package audio

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"shellstate/internal/clock"
	"shellstate/internal/command"
	"shellstate/internal/poll"
	"shellstate/internal/registry"
	"shellstate/internal/service"
)

// wpctl node aliases.
const (
	DefaultSink   = "@DEFAULT_AUDIO_SINK@"
	DefaultSource = "@DEFAULT_AUDIO_SOURCE@"
)

// Data is the audio snapshot. Volumes are percentages.
type Data struct {
	SinkVolume   int  `json:"sinkVolume"`
	SinkMuted    bool `json:"sinkMuted"`
	SourceVolume int  `json:"sourceVolume"`
	SourceMuted  bool `json:"sourceMuted"`
}

// ParseVolume parses `wpctl get-volume` output such as
// "Volume: 0.42 [MUTED]".
func ParseVolume(out string) (percent int, muted bool, err error) {
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "Volume:" {
		return 0, false, fmt.Errorf("unexpected wpctl output %q", strings.TrimSpace(out))
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse volume %q: %w", fields[1], err)
	}
	for _, f := range fields[2:] {
		if f == "[MUTED]" {
			muted = true
		}
	}
	return int(math.Round(v * 100)), muted, nil
}

// Command is one of the audio commands below.
type Command interface {
	isCommand()
}

type SetSinkVolume struct {
	Percent int `mapstructure:"percent"`
}

type SetSourceVolume struct {
	Percent int `mapstructure:"percent"`
}

type ToggleSinkMute struct{}

type ToggleSourceMute struct{}

// AdjustSinkVolume changes the sink volume by Delta percentage points,
// capped at 100%.
type AdjustSinkVolume struct {
	Delta int `mapstructure:"delta"`
}

type AdjustSourceVolume struct {
	Delta int `mapstructure:"delta"`
}

func (SetSinkVolume) isCommand()      {}
func (SetSourceVolume) isCommand()    {}
func (ToggleSinkMute) isCommand()     {}
func (ToggleSourceMute) isCommand()   {}
func (AdjustSinkVolume) isCommand()   {}
func (AdjustSourceVolume) isCommand() {}

func decode[T Command](args map[string]any) (Command, error) {
	c, err := command.Decode[T](args)
	return c, err
}

// Commands decodes transport command names.
var Commands = command.Table[Command]{
	"set_sink_volume":      decode[SetSinkVolume],
	"set_source_volume":    decode[SetSourceVolume],
	"toggle_sink_mute":     decode[ToggleSinkMute],
	"toggle_source_mute":   decode[ToggleSourceMute],
	"adjust_sink_volume":   decode[AdjustSinkVolume],
	"adjust_source_volume": decode[AdjustSourceVolume],
}

// Service owns the audio snapshot.
type Service struct {
	*service.Base[Data]
	exec poll.Executor
	tool string
}

// New fetches both volumes and starts polling. If the tool cannot be run
// the service is Unavailable and does not poll.
func New(ctx context.Context, exec poll.Executor, tool string, clk clock.Clock, interval time.Duration, logger *zap.Logger, timeout time.Duration) *Service {
	logger = logger.Named("audio")
	s := &Service{exec: exec, tool: tool}

	initial, err := s.fetch(ctx)
	s.Base = service.NewBase(ctx, "audio", initial, logger, timeout)
	if err != nil {
		logger.Warn("Audio unavailable", zap.String("tool", tool), zap.Error(err))
		s.SetUnavailable(err.Error())
		return s
	}

	s.Listen("poll", func(ctx context.Context) error {
		return poll.Loop(ctx, clk, interval, s.Logger(), s.Cell(), s.fetch)
	})
	logger.Info("Audio service started",
		zap.Int("sink", initial.SinkVolume),
		zap.Duration("interval", interval))
	return s
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	cfg := sc.Config.Audio
	return New(ctx, sc.Executor, cfg.Tool, sc.Clock, cfg.PollInterval.D(), sc.Logger, sc.Config.CommandTimeout.D()), nil
}

func (s *Service) ID() registry.ServiceID { return registry.Audio }

func (s *Service) volume(ctx context.Context, node string) (int, bool, error) {
	out, err := s.exec.Output(ctx, s.tool, "get-volume", node)
	if err != nil {
		return 0, false, err
	}
	return ParseVolume(string(out))
}

func (s *Service) fetch(ctx context.Context) (Data, error) {
	var d Data
	var err error
	if d.SinkVolume, d.SinkMuted, err = s.volume(ctx, DefaultSink); err != nil {
		return Data{}, fmt.Errorf("failed to read sink volume: %w", err)
	}
	if d.SourceVolume, d.SourceMuted, err = s.volume(ctx, DefaultSource); err != nil {
		return Data{}, fmt.Errorf("failed to read source volume: %w", err)
	}
	return d, nil
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

func ratio(p int) string {
	return strconv.FormatFloat(float64(p)/100, 'f', 2, 64)
}

// Dispatch patches the snapshot and runs the tool. The snapshot is not
// rolled back if the tool fails; the next poll corrects it.
func (s *Service) Dispatch(ctx context.Context, cmd Command) error {
	if !s.Available() {
		return command.ErrUnavailable
	}

	var args []string
	switch c := cmd.(type) {
	case SetSinkVolume:
		p := clampPercent(c.Percent)
		s.Cell().Mutate(func(d *Data) { d.SinkVolume = p })
		args = []string{"set-volume", DefaultSink, ratio(p)}
	case SetSourceVolume:
		p := clampPercent(c.Percent)
		s.Cell().Mutate(func(d *Data) { d.SourceVolume = p })
		args = []string{"set-volume", DefaultSource, ratio(p)}
	case ToggleSinkMute:
		s.Cell().Mutate(func(d *Data) { d.SinkMuted = !d.SinkMuted })
		args = []string{"set-mute", DefaultSink, "toggle"}
	case ToggleSourceMute:
		s.Cell().Mutate(func(d *Data) { d.SourceMuted = !d.SourceMuted })
		args = []string{"set-mute", DefaultSource, "toggle"}
	case AdjustSinkVolume:
		s.Cell().Mutate(func(d *Data) { d.SinkVolume = clampPercent(d.SinkVolume + c.Delta) })
		args = []string{"set-volume", "-l", "1.0", DefaultSink, step(c.Delta)}
	case AdjustSourceVolume:
		s.Cell().Mutate(func(d *Data) { d.SourceVolume = clampPercent(d.SourceVolume + c.Delta) })
		args = []string{"set-volume", "-l", "1.0", DefaultSource, step(c.Delta)}
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}

	return s.Do(ctx, func(ctx context.Context) error {
		if _, err := s.exec.Output(ctx, s.tool, args...); err != nil {
			return fmt.Errorf("failed to run %s %s: %w", s.tool, args[0], err)
		}
		return nil
	})
}

// step formats a relative wpctl volume such as "0.05+" or "0.10-".
func step(delta int) string {
	if delta < 0 {
		return ratio(-delta) + "-"
	}
	return ratio(delta) + "+"
}

func (s *Service) Commands() []string { return Commands.Names() }

func (s *Service) Command(ctx context.Context, name string, args map[string]any) error {
	cmd, err := Commands.Decode(name, args)
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, cmd)
}
