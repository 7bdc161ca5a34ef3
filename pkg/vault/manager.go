package vault

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Observer is notified about the outcome of every renewal.
type Observer interface {
	SetInterval(interval time.Duration)
	SetExpiration(ttl time.Duration)
	SetSuccessTime()
	SetFailureTime()
	SetFailureCount()
	Push()
}

type Option func(*RenewalScheduler)

func WithObserver(o Observer) Option {
	return func(s *RenewalScheduler) {
		s.observer = o
	}
}

func WithLogger(l *log.Entry) Option {
	return func(s *RenewalScheduler) {
		s.logger = l
	}
}

// RenewalScheduler keeps one lease, and the token that owns it, alive for as
// long as the connection using the credentials is open. When a renewal
// fails the connection is closed and the scheduler shuts itself down.
type RenewalScheduler struct {
	conn     Closer
	handle   *RenewalHandle
	timer    Timer
	taskID   atomic.Uint64
	interval time.Duration
	observer Observer
	logger   *log.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Interval returns how often a lease with the given TTL in seconds is
// renewed: two thirds of the TTL, truncated to the millisecond.
func Interval(ttl int) time.Duration {
	return time.Duration(int64(ttl)*1000*2/3) * time.Millisecond
}

func NewRenewalScheduler(conn Closer, handle *RenewalHandle, timer Timer, opts ...Option) (*RenewalScheduler, error) {
	if handle == nil || handle.Service == nil {
		return nil, fmt.Errorf("renewal handle has no vault session")
	}
	if conn == nil {
		return nil, fmt.Errorf("no connection to protect")
	}
	if timer == nil {
		return nil, fmt.Errorf("no timer to schedule renewal on")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RenewalScheduler{
		conn:     conn,
		handle:   handle,
		timer:    timer,
		interval: Interval(handle.InitialTTL),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("leaseID", handle.LeaseID)
	}

	id, err := timer.Schedule(s.renew, s.interval, s.interval)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error scheduling renewal: %s", err)
	}
	s.taskID.Store(uint64(id))

	if s.observer != nil {
		s.observer.SetInterval(s.interval)
		s.observer.SetExpiration(time.Duration(handle.InitialTTL) * time.Second)
	}
	s.logger.Infof("renewing lease every %s", s.interval)

	return s, nil
}

func (s *RenewalScheduler) Interval() time.Duration {
	return s.interval
}

func (s *RenewalScheduler) Done() bool {
	return s.cancelled.Load()
}

// Shutdown stops renewing. Only the first call has any effect; it is safe
// to call from within a renewal.
func (s *RenewalScheduler) Shutdown() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}

	s.logger.Debugf("stopping renewal")
	s.timer.Cancel(TaskID(s.taskID.Load()))
	s.cancel()
}

func (s *RenewalScheduler) renew() {
	if s.cancelled.Load() {
		return
	}

	s.logger.Debugf("attempting to renew credentials")

	ttl, err := s.handle.Service.RenewLease(s.ctx, s.handle.LeaseID, 0)
	if err != nil {
		s.fail(&RenewalError{LeaseID: s.handle.LeaseID, Op: "lease", Err: err})
		return
	}

	err = s.handle.Service.RenewToken(s.ctx, ttl)
	if err != nil {
		s.fail(&RenewalError{LeaseID: s.handle.LeaseID, Op: "token", Err: err})
		return
	}

	s.logger.WithField("leaseDuration", ttl).Infof("renewed credentials")
	if s.observer != nil {
		s.observer.SetExpiration(time.Duration(ttl) * time.Second)
		s.observer.SetSuccessTime()
		s.observer.Push()
	}
}

func (s *RenewalScheduler) fail(err *RenewalError) {
	if s.cancelled.Load() {
		s.logger.Debugf("renewal interrupted by shutdown: %s", err)
		return
	}

	s.logger.Errorf("%s", err)
	if s.observer != nil {
		s.observer.SetFailureTime()
		s.observer.SetFailureCount()
		s.observer.Push()
	}

	s.logger.Error("secret could no longer be renewed, closing connection")
	if closeErr := s.conn.Close(); closeErr != nil {
		s.logger.Warnf("error closing connection: %s", closeErr)
	}

	s.Shutdown()
}
