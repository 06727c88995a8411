package poisson

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Context carries what one reconstruction needs from its caller: where
// progress goes, how time is measured and how much memory it may use.
// The zero value logs nothing and has no memory budget.
type Context struct {
	Logger *zap.Logger
	Clock  clock.Clock
	// MaxMemory is the resident memory budget in bytes. Zero disables it.
	MaxMemory uint64
	// AbortOnMemoryBudget makes stages return ErrMemoryBudget once MaxMemory
	// is exceeded. Otherwise the overrun is only logged and reported.
	AbortOnMemoryBudget bool
	// MemoryUsage reports current memory use. Nil uses MemoryUsage.
	MemoryUsage func() (uint64, error)

	peakMemory uint64
	overBudget bool
}

// NewContext returns a Context logging to log with a real clock.
func NewContext(log *zap.Logger) *Context {
	return &Context{Logger: log, Clock: clock.New()}
}

// MemoryUsage returns the resident set size of the running process.
func MemoryUsage() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

func (c *Context) logger() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Context) timer() clock.Clock {
	if c == nil || c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}

// DumpOutput writes a formatted progress message.
func (c *Context) DumpOutput(format string, args ...interface{}) {
	c.logger().Sugar().Infof(format, args...)
}

// PeakMemory returns the largest memory use observed by CheckMemory.
func (c *Context) PeakMemory() uint64 { return c.peakMemory }

// OverBudget reports whether any check exceeded MaxMemory.
func (c *Context) OverBudget() bool { return c.overBudget }

// CheckMemory samples memory use after a stage, logs it and enforces the
// budget according to AbortOnMemoryBudget.
func (c *Context) CheckMemory(stage string) error {
	usage := c.MemoryUsage
	if usage == nil {
		usage = MemoryUsage
	}
	mem, err := usage()
	if err != nil {
		c.logger().Debug("memory usage unavailable", zap.String("stage", stage), zap.Error(err))
		return nil
	}
	if mem > c.peakMemory {
		c.peakMemory = mem
	}
	c.logger().Debug("memory usage", zap.String("stage", stage), zap.String("rss", units.BytesSize(float64(mem))))
	if c.MaxMemory == 0 || mem <= c.MaxMemory {
		return nil
	}
	c.overBudget = true
	c.logger().Warn("memory budget exceeded",
		zap.String("stage", stage),
		zap.String("rss", units.BytesSize(float64(mem))),
		zap.String("budget", units.BytesSize(float64(c.MaxMemory))),
	)
	if c.AbortOnMemoryBudget {
		return fmt.Errorf("%w after %s: %s > %s", ErrMemoryBudget, stage,
			units.BytesSize(float64(mem)), units.BytesSize(float64(c.MaxMemory)))
	}
	return nil
}

// StageTime is the wall time spent in one pipeline stage.
type StageTime struct {
	Stage   string
	Elapsed time.Duration
}

// stage starts timing a pipeline stage. The returned function stops the timer.
func (c *Context) stage(name string) func() StageTime {
	clk := c.timer()
	start := clk.Now()
	return func() StageTime {
		st := StageTime{Stage: name, Elapsed: clk.Since(start)}
		c.logger().Debug("stage done", zap.String("stage", name), zap.Duration("elapsed", st.Elapsed))
		return st
	}
}
