// Package stress drives a connection manager with concurrent broadcasters and
// subscribers and reports what arrived where.
package stress

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

// MsgStress is the type of the records broadcast by producers
const MsgStress = netlink.TypeMinUser + 0x7f

// DefaultDrainTimeout is how long subscribers keep reading after the last
// producer finished before they are stopped
const DefaultDrainTimeout = 2 * time.Second

// Report summarizes one run
type Report struct {
	Producers   int           `json:"producers"`
	Subscribers int           `json:"subscribers"`
	Sent        uint64        `json:"sent"`
	Received    uint64        `json:"received"`
	Expected    uint64        `json:"expected"`
	OutOfOrder  uint64        `json:"out_of_order"`
	Incomplete  int           `json:"incomplete"`
	Duration    time.Duration `json:"duration"`
	Netlink     netlink.Stats `json:"netlink"`
}

// Throughput returns delivered records per second
func (r *Report) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Received) / r.Duration.Seconds()
}

// String returns a string representation of the report
func (r *Report) String() string {
	return fmt.Sprintf("Report{Producers: %d, Subscribers: %d, Sent: %d, Received: %d/%d, OutOfOrder: %d, Incomplete: %d, Duration: %s, Rate: %.0f/s}",
		r.Producers, r.Subscribers, r.Sent, r.Received, r.Expected, r.OutOfOrder, r.Incomplete,
		r.Duration.Round(time.Millisecond), r.Throughput())
}

// Runner runs a load test against a Manager
type Runner struct {
	mgr          *netlink.Manager
	cfg          config.StressConfig
	logger       *logger.Logger
	drainTimeout time.Duration
}

// NewRunner creates a runner for cfg
func NewRunner(mgr *netlink.Manager, cfg config.StressConfig, log *logger.Logger) (*Runner, error) {
	if mgr == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection manager cannot be nil")
	}
	if cfg.Producers <= 0 || cfg.Messages <= 0 || cfg.Subscribers < 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "producers and messages must be positive")
	}
	if cfg.Group < 1 || cfg.Group > netlink.MaxGroups {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("group %d out of range 1..%d", cfg.Group, netlink.MaxGroups))
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{
		mgr:          mgr,
		cfg:          cfg,
		logger:       log.With("component", "stress"),
		drainTimeout: DefaultDrainTimeout,
	}, nil
}

// SetDrainTimeout overrides DefaultDrainTimeout
func (r *Runner) SetDrainTimeout(d time.Duration) {
	r.drainTimeout = d
}

// Run subscribes the configured number of connections to the group, lets
// every producer broadcast its messages followed by a terminator and waits
// for the subscribers to see every terminator or for the drain timeout.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	conns := make([]*netlink.Conn, 0, r.cfg.Subscribers)
	defer func() {
		for _, c := range conns {
			_ = r.mgr.Free(c)
		}
	}()
	for i := 0; i < r.cfg.Subscribers; i++ {
		c, err := r.mgr.Alloc()
		if err != nil {
			return nil, types.WrapError(types.GetErrorCode(err),
				fmt.Sprintf("failed to allocate subscriber %d", i), err)
		}
		conns = append(conns, c)
		if err := c.Subscribe(r.cfg.Group); err != nil {
			return nil, err
		}
	}

	var (
		sent       atomic.Uint64
		received   atomic.Uint64
		outOfOrder atomic.Uint64
		incomplete atomic.Int32
	)

	r.logger.Info("Stress run starting",
		"producers", r.cfg.Producers,
		"subscribers", r.cfg.Subscribers,
		"messages", r.cfg.Messages,
		"group", r.cfg.Group,
		"rate", r.cfg.Rate)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	subCtx, stopSubs := context.WithCancel(gctx)
	defer stopSubs()

	sg, sctx := errgroup.WithContext(subCtx)
	for _, c := range conns {
		c := c
		sg.Go(func() error {
			n, bad, complete, err := r.subscribe(sctx, c)
			received.Add(n)
			outOfOrder.Add(bad)
			if !complete {
				incomplete.Add(1)
			}
			return err
		})
	}
	subsDone := make(chan struct{})
	g.Go(func() error {
		defer close(subsDone)
		return sg.Wait()
	})

	pg, pctx := errgroup.WithContext(gctx)
	for i := 0; i < r.cfg.Producers; i++ {
		pid := uint32(i + 1)
		pg.Go(func() error {
			n, err := r.produce(pctx, pid)
			sent.Add(n)
			return err
		})
	}
	g.Go(func() error {
		if err := pg.Wait(); err != nil {
			return err
		}
		timer := time.NewTimer(r.drainTimeout)
		defer timer.Stop()
		select {
		case <-subsDone:
		case <-timer.C:
			r.logger.Warn("Drain timeout reached, stopping subscribers")
			stopSubs()
		case <-gctx.Done():
		}
		return nil
	})

	err := g.Wait()
	report := &Report{
		Producers:   r.cfg.Producers,
		Subscribers: r.cfg.Subscribers,
		Sent:        sent.Load(),
		Received:    received.Load(),
		Expected:    sent.Load() * uint64(r.cfg.Subscribers),
		OutOfOrder:  outOfOrder.Load(),
		Incomplete:  int(incomplete.Load()),
		Duration:    time.Since(start),
		Netlink:     r.mgr.Stats(),
	}
	if err == nil && ctx.Err() != nil {
		err = types.WrapError(types.ErrCodeCanceled, "stress run interrupted", ctx.Err())
	}
	if err != nil {
		return report, err
	}

	r.logger.Info("Stress run finished", "report", report.String())
	return report, nil
}

// produce broadcasts the configured number of records tagged with pid and an
// increasing sequence number, then a terminator
func (r *Runner) produce(ctx context.Context, pid uint32) (uint64, error) {
	var limiter *rate.Limiter
	if r.cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.Rate), 1)
	}

	size := max(r.cfg.PayloadSize, 8)
	var sent uint64
	for seq := uint32(1); seq <= uint32(r.cfg.Messages); seq++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return sent, types.WrapError(types.ErrCodeCanceled, "producer interrupted", err)
			}
		} else if err := ctx.Err(); err != nil {
			return sent, types.WrapError(types.ErrCodeCanceled, "producer interrupted", err)
		}

		payload := make([]byte, size)
		binary.BigEndian.PutUint32(payload[0:4], pid)
		binary.BigEndian.PutUint32(payload[4:8], seq)
		if err := r.mgr.AddBroadcast(r.cfg.Group, netlink.NewResponse(MsgStress, 0, seq, pid, payload)); err != nil {
			return sent, err
		}
		sent++
	}

	end := netlink.Header{Seq: uint32(r.cfg.Messages) + 1, PID: pid}
	return sent, r.mgr.AddTerminator(netlink.Handle{}, &end, r.cfg.Group)
}

// subscribe reads records from c until it has seen every producer's
// terminator. It returns the number of data records, how many arrived out of
// order for their producer, and whether every terminator was seen. Being
// stopped through ctx is not an error.
func (r *Runner) subscribe(ctx context.Context, c *netlink.Conn) (uint64, uint64, bool, error) {
	last := make(map[uint32]uint32, r.cfg.Producers)
	var n, bad uint64
	done := 0

	for done < r.cfg.Producers {
		resp, err := r.mgr.GetResponse(ctx, c)
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeCanceled) {
				return n, bad, false, nil
			}
			return n, bad, false, err
		}

		if resp.Header.Seq <= last[resp.Header.PID] {
			bad++
		}
		last[resp.Header.PID] = resp.Header.Seq

		if resp.IsTerminator() {
			done++
			continue
		}
		n++
	}
	return n, bad, true, nil
}
