package vault

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
)

type fakeService struct {
	mu sync.Mutex

	calls []string

	loginErr    error
	token       string
	loginTokens []string
	secret      *api.Secret
	readErr     error
	leaseTTL    int
	leaseErr    error
	tokenErr    error
	boundToken  string
	tokenBumps  []int
	leaseRenews []string
	// token each renewal was sent with, "lease:<token>" or "token:<token>"
	renewTokens []string
	bumpCtxErrs []error
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) Login(ctx context.Context, loginPath, username, password string) (string, error) {
	f.record("login")
	if f.loginErr != nil {
		return "", f.loginErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.loginTokens) > 0 {
		token := f.loginTokens[0]
		f.loginTokens = f.loginTokens[1:]
		return token, nil
	}
	return f.token, nil
}

func (f *fakeService) Bind(token string) (SecretsService, error) {
	f.record("bind")
	f.boundToken = token
	return &fakeSession{fakeService: f, token: token}, nil
}

func (f *fakeService) RenewTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renewTokens...)
}

// fakeSession is what Bind hands out: the fake service seen through one
// token.
type fakeSession struct {
	*fakeService
	token string
}

func (s *fakeSession) RenewLease(ctx context.Context, leaseID string, increment int) (int, error) {
	s.mu.Lock()
	s.renewTokens = append(s.renewTokens, "lease:"+s.token)
	s.mu.Unlock()
	return s.fakeService.RenewLease(ctx, leaseID, increment)
}

func (s *fakeSession) RenewToken(ctx context.Context, increment int) error {
	s.mu.Lock()
	s.renewTokens = append(s.renewTokens, "token:"+s.token)
	s.mu.Unlock()
	return s.fakeService.RenewToken(ctx, increment)
}

func (f *fakeService) ReadSecret(ctx context.Context, path string) (*api.Secret, error) {
	f.record("read")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.secret, nil
}

func (f *fakeService) RenewLease(ctx context.Context, leaseID string, increment int) (int, error) {
	f.record("renewLease")
	f.mu.Lock()
	f.leaseRenews = append(f.leaseRenews, leaseID)
	f.mu.Unlock()
	if f.leaseErr != nil {
		return 0, f.leaseErr
	}
	return f.leaseTTL, nil
}

func (f *fakeService) RenewToken(ctx context.Context, increment int) error {
	f.record("renewToken")
	f.mu.Lock()
	f.tokenBumps = append(f.tokenBumps, increment)
	f.bumpCtxErrs = append(f.bumpCtxErrs, ctx.Err())
	f.mu.Unlock()
	return f.tokenErr
}

type fakeConn struct {
	mu       sync.Mutex
	closed   int
	closeErr error
	onClose  func()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return c.closeErr
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type scheduleCall struct {
	delay  time.Duration
	period time.Duration
}

// manualTimer never fires on its own, tests drive it with tick.
type manualTimer struct {
	scheduled []scheduleCall
	tasks     map[TaskID]func()
	cancels   []TaskID
	nextID    TaskID
}

func newManualTimer() *manualTimer {
	return &manualTimer{tasks: make(map[TaskID]func())}
}

func (m *manualTimer) Schedule(task func(), delay, period time.Duration) (TaskID, error) {
	m.nextID++
	m.scheduled = append(m.scheduled, scheduleCall{delay: delay, period: period})
	m.tasks[m.nextID] = task
	return m.nextID, nil
}

func (m *manualTimer) Cancel(id TaskID) {
	m.cancels = append(m.cancels, id)
	delete(m.tasks, id)
}

func (m *manualTimer) tick(id TaskID) bool {
	task, ok := m.tasks[id]
	if !ok {
		return false
	}
	task()
	return true
}

type fakeObserver struct {
	mu         sync.Mutex
	interval   time.Duration
	expiration time.Duration
	successes  int
	failures   int
	pushes     int
}

func (o *fakeObserver) SetInterval(interval time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interval = interval
}

func (o *fakeObserver) SetExpiration(ttl time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expiration = ttl
}

func (o *fakeObserver) SetSuccessTime() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successes++
}

func (o *fakeObserver) SetFailureTime() {}

func (o *fakeObserver) SetFailureCount() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *fakeObserver) Push() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushes++
}
