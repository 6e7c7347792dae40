package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"

	"go.uber.org/zap"
)

// WaitKind distinguishes what a pending wait is for.
type WaitKind int

const (
	WaitProvision WaitKind = iota
	WaitDecommission
)

// Completion is delivered to a wait's callback exactly once. Err is nil on
// success; a ProvisioningFailure otherwise.
type Completion struct {
	Handle string
	Kind   WaitKind
	Err    error
}

// pendingWait is one registered completion record.
type pendingWait struct {
	handle       string
	kind         WaitKind
	registeredAt time.Time
	softDeadline time.Duration
	slowFlagged  bool
	callback     func(Completion)
}

// Poller resolves async provisioner operations with bounded-interval
// polling. Callbacks run on the poll goroutine; callers do their own
// entity serialization inside them. A wait past its soft deadline is
// logged as abnormally slow and kept polling, never auto-failed.
type Poller struct {
	prov     Provisioner
	interval time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]*pendingWait

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller creates a poller with the given poll interval.
func NewPoller(prov Provisioner, interval time.Duration, logger *zap.SugaredLogger) *Poller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		prov:     prov,
		interval: interval,
		logger:   logger,
		pending:  make(map[string]*pendingWait),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the poll loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.pollPending()
			case <-p.stopCh:
				return
			}
		}
	}()
	p.logger.Info("Pipeline poller started")
}

// Stop stops the poll loop. Pending waits are abandoned; on restart the
// lifecycle controller re-registers waits for strategies still transient.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("Pipeline poller stopped")
}

// Await registers a completion wait for a job handle. One wait per handle;
// a second Await for the same handle replaces the first.
func (p *Poller) Await(handle string, kind WaitKind, softDeadline time.Duration, callback func(Completion)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[handle] = &pendingWait{
		handle:       handle,
		kind:         kind,
		registeredAt: time.Now(),
		softDeadline: softDeadline,
		callback:     callback,
	}
}

// PendingCount reports registered waits, for observability.
func (p *Poller) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Poller) pollPending() {
	p.mu.Lock()
	waits := make([]*pendingWait, 0, len(p.pending))
	for _, w := range p.pending {
		waits = append(waits, w)
	}
	p.mu.Unlock()

	for _, w := range waits {
		done, completion := p.pollOne(w)
		if !done {
			if w.softDeadline > 0 && !w.slowFlagged && time.Since(w.registeredAt) > w.softDeadline {
				w.slowFlagged = true
				p.logger.Warnf("Pipeline operation on handle %s exceeded its expected window (%s), still polling", w.handle, w.softDeadline)
			}
			continue
		}
		p.mu.Lock()
		// The wait may have been replaced while polling; only the current
		// registration is resolved.
		if cur, ok := p.pending[w.handle]; ok && cur == w {
			delete(p.pending, w.handle)
			p.mu.Unlock()
			w.callback(completion)
		} else {
			p.mu.Unlock()
		}
	}
}

func (p *Poller) pollOne(w *pendingWait) (bool, Completion) {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	report, err := p.prov.Status(ctx, w.handle)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			metrics.ProvisionerPolls.WithLabelValues("not_found").Inc()
			if w.kind == WaitDecommission {
				return true, Completion{Handle: w.handle, Kind: w.kind}
			}
			return true, Completion{Handle: w.handle, Kind: w.kind,
				Err: core.NewProvisioningFailure(w.handle, "job disappeared during provisioning")}
		}
		// Transient poll error: try again next tick.
		metrics.ProvisionerPolls.WithLabelValues("error").Inc()
		p.logger.Warnf("Status poll failed for handle %s: %v", w.handle, err)
		return false, Completion{}
	}
	metrics.ProvisionerPolls.WithLabelValues(string(report.Status)).Inc()

	switch w.kind {
	case WaitProvision:
		switch report.Status {
		case JobStatusActive:
			return true, Completion{Handle: w.handle, Kind: w.kind}
		case JobStatusFailed:
			return true, Completion{Handle: w.handle, Kind: w.kind,
				Err: core.NewProvisioningFailure(w.handle, report.Reason)}
		}
	case WaitDecommission:
		if report.Status == JobStatusFailed {
			return true, Completion{Handle: w.handle, Kind: w.kind,
				Err: core.NewProvisioningFailure(w.handle, report.Reason)}
		}
	}
	return false, Completion{}
}
