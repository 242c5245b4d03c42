// Package notify turns bus events into operator alerts.
//
// The service subscribes to the event bus and forwards job failures,
// publish inconsistencies and escalated comments to a Sender (Telegram in
// production). Delivery is best effort: alerts are rate limited, deduplicated
// within a window, and dropped rather than allowed to block the core loops.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "postpilot/pkg/logx"

	"postpilot/internal/eventbus"
)

// Sender delivers one alert message to the operator channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	RatePerSec  int
	DedupWindow time.Duration
	QueueSize   int
	// EventTypes to alert on; empty means the default set.
	EventTypes []string
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if len(c.EventTypes) == 0 {
		c.EventTypes = []string{
			"job.failed",
			"job.partially_failed",
			"job.reclaimed",
			"publish.inconsistent",
			"comment.escalated",
		}
	}
	return c
}

type Service struct {
	cfg    Config
	bus    eventbus.Bus
	sender Sender
	log    logx.Logger

	queue chan string
	lim   *rate.Limiter

	mu       sync.Mutex
	lastSent map[string]time.Time

	stop   func()
	stopWG sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		bus:      bus,
		sender:   sender,
		log:      log.With(logx.String("comp", "notify")),
		queue:    make(chan string, cfg.QueueSize),
		lim:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		lastSent: map[string]time.Time{},
	}
}

// Start subscribes to the bus and launches the delivery worker.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel

	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)

	wanted := map[string]bool{}
	for _, t := range s.cfg.EventTypes {
		wanted[t] = true
	}

	s.stopWG.Add(2)
	go func() {
		defer s.stopWG.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if !wanted[e.Type] {
					continue
				}
				s.enqueue(format(e))
			}
		}
	}()
	go func() {
		defer s.stopWG.Done()
		s.deliver(ctx)
	}()
	s.log.Info("notify started", logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

func (s *Service) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.stopWG.Wait()
}

// enqueue drops on a full queue; alerting must never apply backpressure to
// the loops that publish events.
func (s *Service) enqueue(msg string) {
	if s.isDuplicate(msg) {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.log.Warn("alert dropped (queue full)")
	}
}

func (s *Service) isDuplicate(msg string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSent[msg]; ok && now.Sub(last) < s.cfg.DedupWindow {
		return true
	}
	s.lastSent[msg] = now
	// Keep the dedup map from growing without bound.
	if len(s.lastSent) > 4096 {
		for k, t := range s.lastSent {
			if now.Sub(t) >= s.cfg.DedupWindow {
				delete(s.lastSent, k)
			}
		}
	}
	return false
}

func (s *Service) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.lim.Wait(ctx); err != nil {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.sender.Send(sendCtx, msg)
			cancel()
			if err != nil {
				s.log.Warn("alert delivery failed", logx.Err(err))
			}
		}
	}
}

// format renders a bus event as a short plain-text alert.
func format(e eventbus.Event) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(e.Type))
	b.WriteString("]")

	if m, ok := e.Data.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("\n- ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(fmt.Sprint(m[k]))
		}
	} else if e.Data != nil {
		b.WriteString(" ")
		b.WriteString(fmt.Sprint(e.Data))
	}
	return b.String()
}
