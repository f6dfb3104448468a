// Package sysinfo samples CPU, memory and load from procfs on an interval.
package sysinfo

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"shellstate/internal/clock"
	"shellstate/internal/poll"
	"shellstate/internal/registry"
	"shellstate/internal/service"
)

// Data is the sysinfo snapshot. Usages are whole percentages and sizes are
// rounded to a tenth of a GiB so that noise below that does not broadcast.
type Data struct {
	CPUUsage      int     `json:"cpuUsage"`
	MemoryUsage   int     `json:"memoryUsage"`
	MemoryTotalGB float64 `json:"memoryTotalGB"`
	MemoryUsedGB  float64 `json:"memoryUsedGB"`
	SwapUsage     int     `json:"swapUsage"`
	Load1         float64 `json:"load1"`
}

// CPUTimes are aggregate CPU seconds.
type CPUTimes struct {
	Idle  float64
	Total float64
}

// NewCPUTimes sums the aggregate counters. Guest time is already counted
// in user and nice.
func NewCPUTimes(s procfs.CPUStat) CPUTimes {
	idle := s.Idle + s.Iowait
	return CPUTimes{
		Idle:  idle,
		Total: idle + s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal,
	}
}

// Usage is the busy percentage between prev and cur.
func Usage(prev, cur CPUTimes) int {
	total := cur.Total - prev.Total
	if total <= 0 {
		return 0
	}
	idle := max(cur.Idle-prev.Idle, 0)
	return int(math.Round((total - min(idle, total)) / total * 100))
}

var errNoMemTotal = errors.New("MemTotal missing from meminfo")

func value(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func percent(part, whole uint64) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(whole) * 100))
}

func gib(kib uint64) float64 {
	return math.Round(float64(kib)/(1024*1024)*10) / 10
}

// Sampler reads procfs. CPU usage is measured between consecutive samples;
// the first sample reports the average since boot.
type Sampler struct {
	fs      procfs.FS
	openErr error

	mu   sync.Mutex
	prev CPUTimes
}

// NewSampler reads procfs mounted at root. A root that cannot be opened
// fails every Sample.
func NewSampler(root string) *Sampler {
	fs, err := procfs.NewFS(root)
	return &Sampler{fs: fs, openErr: err}
}

// Sample reads one Data.
func (s *Sampler) Sample(ctx context.Context) (Data, error) {
	if s.openErr != nil {
		return Data{}, s.openErr
	}
	stat, err := s.fs.Stat()
	if err != nil {
		return Data{}, err
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return Data{}, err
	}
	if mem.MemTotal == nil || *mem.MemTotal == 0 {
		return Data{}, errNoMemTotal
	}
	load, err := s.fs.LoadAvg()
	if err != nil {
		return Data{}, err
	}

	cpu := NewCPUTimes(stat.CPUTotal)
	s.mu.Lock()
	usage := Usage(s.prev, cpu)
	s.prev = cpu
	s.mu.Unlock()

	total := *mem.MemTotal
	used := total - min(value(mem.MemAvailable), total)
	swapTotal := value(mem.SwapTotal)
	return Data{
		CPUUsage:      usage,
		MemoryUsage:   percent(used, total),
		MemoryTotalGB: gib(total),
		MemoryUsedGB:  gib(used),
		SwapUsage:     percent(swapTotal-min(value(mem.SwapFree), swapTotal), swapTotal),
		Load1:         load.Load1,
	}, nil
}

// Service owns the sysinfo snapshot. It has no commands.
type Service struct {
	*service.Base[Data]
}

// New takes the first sample and starts polling.
func New(ctx context.Context, sampler *Sampler, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Service {
	logger = logger.Named("sysinfo")
	initial, err := sampler.Sample(ctx)
	s := &Service{Base: service.NewBase(ctx, "sysinfo", initial, logger, 0)}
	if err != nil {
		logger.Warn("procfs unavailable", zap.Error(err))
		s.SetUnavailable(err.Error())
		return s
	}
	s.Listen("poll", func(ctx context.Context) error {
		return poll.Loop(ctx, clk, interval, s.Logger(), s.Cell(), sampler.Sample)
	})
	logger.Info("Sysinfo service started", zap.Duration("interval", interval))
	return s
}

// Factory builds the service for the registry.
func Factory(ctx context.Context, sc *registry.Context) (registry.Service, error) {
	cfg := sc.Config.SysInfo
	return New(ctx, NewSampler(cfg.ProcRoot), sc.Clock, cfg.PollInterval.D(), sc.Logger), nil
}

func (s *Service) ID() registry.ServiceID { return registry.SysInfo }
