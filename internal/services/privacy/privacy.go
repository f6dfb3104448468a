// Package privacy reports what is capturing the camera, the microphone or
// the screen. Webcam users are counted from inotify events on the device
// node; PipeWire capture streams are polled from the graph dump.
package privacy

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"shellstate/internal/clock"
	"shellstate/internal/devmon"
	"shellstate/internal/poll"
	"shellstate/internal/registry"
	"shellstate/internal/service"
)

const watchMask = devmon.InOpen | devmon.InCloseWrite | devmon.InCloseNowrite | devmon.InDeleteSelf

// ErrDeviceRemoved ends the listener when the device node disappears.
var ErrDeviceRemoved = errors.New("webcam device removed")

// Media is what a capture stream records.
type Media string

const (
	MediaAudio Media = "audio"
	MediaVideo Media = "video"
)

// Node is a PipeWire stream that captures audio or video.
type Node struct {
	ID    uint32 `json:"id"`
	Media Media  `json:"media"`
}

// Data is the privacy snapshot.
type Data struct {
	// WebcamAccess is the number of open descriptors on the device.
	WebcamAccess int `json:"webcamAccess"`
	// Nodes are the capture streams sorted by ID.
	Nodes []Node `json:"nodes"`
}

// Webcam reports whether anything has the camera open.
func (d Data) Webcam() bool {
	return d.WebcamAccess > 0
}

func (d Data) capturing(m Media) bool {
	return slices.ContainsFunc(d.Nodes, func(n Node) bool { return n.Media == m })
}

// Microphone reports whether an audio capture stream exists.
func (d Data) Microphone() bool { return d.capturing(MediaAudio) }

// Screenshare reports whether a video capture stream exists.
func (d Data) Screenshare() bool { return d.capturing(MediaVideo) }

// NoAccess reports whether nothing is being captured.
func (d Data) NoAccess() bool {
	return len(d.Nodes) == 0 && d.WebcamAccess == 0
}

// Events delivers inotify events for the device.
type Events interface {
	Run(ctx context.Context, fn func(devmon.InotifyEvent) error) error
}

// Source watches and counts users of one device node.
type Source interface {
	Watch() (Events, error)
	Count() (int, error)
}

// NodeSource lists the current capture streams.
type NodeSource interface {
	Nodes(ctx context.Context) ([]Node, error)
}

// DeviceSource is the real Source.
type DeviceSource struct {
	Device   string
	ProcRoot string
}

func (s DeviceSource) Watch() (Events, error) {
	if _, err := os.Stat(s.Device); err != nil {
		return nil, fmt.Errorf("webcam device not found: %w", err)
	}
	w, err := devmon.WatchPath(s.Device, watchMask)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Count looks through every process's descriptors for the device.
// Processes we may not inspect are skipped.
func (s DeviceSource) Count() (int, error) {
	fs, err := procfs.NewFS(s.ProcRoot)
	if err != nil {
		return 0, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, target := range targets {
			if target == s.Device {
				n++
			}
		}
	}
	return n, nil
}

const nodeType = "PipeWire:Interface:Node"

type dumpObject struct {
	ID   uint32 `json:"id"`
	Type string `json:"type"`
	Info *struct {
		Props map[string]any `json:"props"`
	} `json:"info"`
}

// ParseDump picks the capture streams out of a pw-dump graph.
func ParseDump(data []byte) ([]Node, error) {
	var objects []dumpObject
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("failed to parse PipeWire dump: %w", err)
	}
	nodes := []Node{}
	for _, o := range objects {
		if o.Type != nodeType || o.Info == nil {
			continue
		}
		class, _ := o.Info.Props["media.class"].(string)
		switch class {
		case "Stream/Input/Audio":
			nodes = append(nodes, Node{ID: o.ID, Media: MediaAudio})
		case "Stream/Input/Video":
			nodes = append(nodes, Node{ID: o.ID, Media: MediaVideo})
		}
	}
	slices.SortFunc(nodes, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	return nodes, nil
}

// PipeWireSource runs pw-dump.
type PipeWireSource struct {
	Exec poll.Executor
	Tool string
}

func (s PipeWireSource) Nodes(ctx context.Context) ([]Node, error) {
	out, err := s.Exec.Output(ctx, s.Tool)
	if err != nil {
		return nil, err
	}
	return ParseDump(out)
}

func setNodes(d *Data, nodes []Node) bool {
	if slices.Equal(d.Nodes, nodes) {
		return false
	}
	d.Nodes = nodes
	return true
}

// Service owns the privacy snapshot.
type Service struct {
	*service.Base[Data]
}

// New starts whichever of the webcam watch and the stream poll can run.
// The service is Unavailable only when neither can.
func New(ctx context.Context, src Source, nodes NodeSource, clk clock.Clock, interval time.Duration, logger *zap.Logger, timeout time.Duration) *Service {
	logger = logger.Named("privacy")
	s := &Service{Base: service.NewBase(ctx, "privacy", Data{Nodes: []Node{}}, logger, timeout)}

	webcamErr := s.startWebcam(src)
	if webcamErr != nil {
		logger.Warn("Webcam monitoring unavailable", zap.Error(webcamErr))
	}
	nodesErr := s.startNodes(ctx, nodes, clk, interval)
	if nodesErr != nil {
		logger.Warn("PipeWire monitoring unavailable", zap.Error(nodesErr))
	}
	if webcamErr != nil && nodesErr != nil {
		s.SetUnavailable(errors.Join(webcamErr, nodesErr).Error())
		return s
	}

	d := s.Get()
	logger.Info("Privacy service started",
		zap.Int("webcam_access", d.WebcamAccess),
		zap.Int("nodes", len(d.Nodes)))
	return s
}

// startWebcam installs the watch before the initial count so an open
// racing the scan is not lost.
func (s *Service) startWebcam(src Source) error {
	events, err := src.Watch()
	if err != nil {
		return err
	}
	count, err := src.Count()
	if err != nil {
		s.Logger().Warn("Failed to count webcam users", zap.Error(err))
	}
	s.Cell().Mutate(func(d *Data) { d.WebcamAccess = count })

	s.Listen("webcam", func(ctx context.Context) error {
		return events.Run(ctx, s.handle)
	})
	return nil
}

func (s *Service) startNodes(ctx context.Context, src NodeSource, clk clock.Clock, interval time.Duration) error {
	if src == nil {
		return errors.New("no PipeWire source")
	}
	if _, err := poll.Patch(ctx, s.Cell(), src.Nodes, setNodes); err != nil {
		return err
	}
	s.Listen("pipewire", func(ctx context.Context) error {
		return poll.LoopPatch(ctx, clk, interval, s.Logger(), s.Cell(), src.Nodes, setNodes)
	})
	return nil
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	cfg := sc.Config.Privacy
	src := DeviceSource{
		Device:   cfg.WebcamDevice,
		ProcRoot: cfg.ProcRoot,
	}
	var nodes NodeSource
	if sc.Executor != nil {
		nodes = PipeWireSource{Exec: sc.Executor, Tool: cfg.PipeWireTool}
	}
	return New(ctx, src, nodes, sc.Clock, cfg.PollInterval.D(), sc.Logger, sc.Config.CommandTimeout.D()), nil
}

func (s *Service) ID() registry.ServiceID { return registry.Privacy }

func (s *Service) handle(ev devmon.InotifyEvent) error {
	switch {
	case ev.Has(devmon.InOpen):
		s.Cell().Mutate(func(d *Data) { d.WebcamAccess++ })
	case ev.Has(devmon.InCloseWrite | devmon.InCloseNowrite):
		s.Cell().Update(func(d *Data) bool {
			if d.WebcamAccess == 0 {
				return false
			}
			d.WebcamAccess--
			return true
		})
	case ev.Has(devmon.InDeleteSelf):
		s.Logger().Warn("Webcam device was deleted")
		return ErrDeviceRemoved
	default:
		return nil
	}
	s.Logger().Debug("Webcam access changed", zap.Int("webcam_access", s.Get().WebcamAccess))
	return nil
}
