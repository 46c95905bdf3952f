package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/myaktion/offline-hub/internal/logging"
)

// Agent 是 Runtime 驱动的事件处理器集合，Manager 为其生产实现。
type Agent interface {
	CacheName() string
	OnInstall(ctx context.Context, event *InstallEvent) error
	OnActivate(ctx context.Context, event *ActivateEvent) error
	OnFetch(ctx context.Context, req *http.Request) *Response
}

// State 是代理版本的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrNotInstalled 表示尚无等待激活的已安装版本。
var ErrNotInstalled = errors.New("no installed version waiting")

// RuntimeOptions 控制安装重试。
type RuntimeOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

type client struct {
	controlled bool
	createdAt  time.Time
}

// Runtime 模拟浏览器宿主：驱动 install/activate，记录客户端归属并分发请求。
type Runtime struct {
	agent   Agent
	network Fetcher
	opts    RuntimeOptions
	logger  *logrus.Logger
	backOff func() backoff.BackOff

	mu          sync.RWMutex
	state       State
	waiting     bool
	attempts    int
	lastErr     error
	activatedAt time.Time
	clients     map[string]*client
}

// NewRuntime 创建处于 parsed 状态的运行时；network 用于未受控请求的直连。
func NewRuntime(agent Agent, network Fetcher, opts RuntimeOptions) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	r := &Runtime{
		agent:   agent,
		network: network,
		opts:    opts,
		logger:  logger,
		state:   StateParsed,
		clients: make(map[string]*client),
	}
	r.backOff = func() backoff.BackOff { return r.exponentialBackOff() }
	return r
}

// Register 执行安装，失败时按带抖动的指数退避重试至多 MaxRetries 次。
// 安装处理器调用了 SkipWaiting 时立即激活，否则等待 Promote。
func (r *Runtime) Register(ctx context.Context) error {
	attempts := r.opts.MaxRetries + 1
	attempt := 0

	skip, err := backoff.Retry(ctx, func() (bool, error) {
		attempt++
		return r.install(ctx, attempt, attempts)
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			fields := logging.LifecycleFields("register", r.agent.CacheName(), string(StateRedundant))
			fields["next_attempt_in"] = wait.String()
			r.logger.WithFields(fields).Debug("install_retry_scheduled")
		}),
	)
	if err != nil {
		return fmt.Errorf("register %s after %d attempts: %w", r.agent.CacheName(), attempt, err)
	}

	if skip {
		return r.activate(ctx)
	}
	r.logger.WithFields(logging.LifecycleFields("register", r.agent.CacheName(), string(StateInstalled))).
		Info("install_waiting")
	return nil
}

// install 执行一次安装尝试，返回处理器是否调用了 SkipWaiting。
func (r *Runtime) install(ctx context.Context, attempt, attempts int) (bool, error) {
	var skip atomic.Bool
	r.setState(StateInstalling)
	r.mu.Lock()
	r.attempts = attempt
	r.mu.Unlock()

	err := r.agent.OnInstall(ctx, &InstallEvent{SkipWaiting: func() { skip.Store(true) }})
	r.mu.Lock()
	if err != nil {
		r.state = StateRedundant
		r.lastErr = err
		r.mu.Unlock()

		fields := logging.LifecycleFields("register", r.agent.CacheName(), string(StateRedundant))
		fields["attempt"] = attempt
		fields["max_attempts"] = attempts
		r.logger.WithFields(fields).WithError(err).Warn("install_failed")
		return false, err
	}
	r.state = StateInstalled
	r.waiting = !skip.Load()
	r.lastErr = nil
	r.mu.Unlock()
	return skip.Load(), nil
}

// exponentialBackOff 以 InitialBackoff 为起点、倍数 2 增长，单次间隔不超过 MaxInterval。
func (r *Runtime) exponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.Multiplier = 2
	b.MaxInterval = max(backoff.DefaultMaxInterval, r.opts.InitialBackoff)
	return b
}

// Promote 激活处于等待状态的已安装版本。
func (r *Runtime) Promote(ctx context.Context) error {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	if state != StateInstalled {
		return ErrNotInstalled
	}
	return r.activate(ctx)
}

func (r *Runtime) activate(ctx context.Context) error {
	r.setState(StateActivating)
	err := r.agent.OnActivate(ctx, &ActivateEvent{Claim: r.claim})
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = StateInstalled
		r.lastErr = err
		r.logger.WithFields(logging.LifecycleFields("activate", r.agent.CacheName(), string(StateInstalled))).
			WithError(err).Error("activate_failed")
		return err
	}
	r.state = StateActivated
	r.waiting = false
	r.activatedAt = time.Now().UTC()
	return nil
}

// claim 让所有已知客户端转为受控。
func (r *Runtime) claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.controlled = true
	}
	return nil
}

// Navigate 登记一次整页加载并返回客户端标识；id 为空时分配新的 uuid。
// 激活之后发生的整页加载直接受控。
func (r *Runtime) Navigate(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		c = &client{createdAt: time.Now().UTC()}
		r.clients[id] = c
	}
	if r.state == StateActivated {
		c.controlled = true
	}
	return id
}

// Controls 判断客户端是否受当前版本控制。
func (r *Runtime) Controls(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return ok && c.controlled && r.state == StateActivated
}

// Fetch 分发一次请求：已激活时，整页加载与受控客户端的请求交给 Agent，
// 其余请求直接走网络。
func (r *Runtime) Fetch(ctx context.Context, clientID string, req *http.Request) *Response {
	r.mu.RLock()
	active := r.state == StateActivated
	r.mu.RUnlock()

	if active && (IsNavigation(req) || r.Controls(clientID)) {
		return r.agent.OnFetch(ctx, req)
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		return NetworkError(err)
	}
	return &Response{Response: resp, Source: SourceNetwork}
}

// Snapshot 是运行时状态的只读视图。
type Snapshot struct {
	State       State     `json:"state"`
	CacheName   string    `json:"cache"`
	Waiting     bool      `json:"waiting"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
	Clients     int       `json:"clients"`
	Controlled  int       `json:"controlled"`
}

// Snapshot 返回当前状态。
func (r *Runtime) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		State:       r.state,
		CacheName:   r.agent.CacheName(),
		Waiting:     r.waiting,
		Attempts:    r.attempts,
		ActivatedAt: r.activatedAt,
		Clients:     len(r.clients),
	}
	if r.lastErr != nil {
		snap.LastError = r.lastErr.Error()
	}
	for _, c := range r.clients {
		if c.controlled {
			snap.Controlled++
		}
	}
	return snap
}

// State 返回当前生命周期状态。
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runtime) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.logger.WithFields(logging.LifecycleFields("lifecycle", r.agent.CacheName(), string(state))).Debug("state_changed")
}
