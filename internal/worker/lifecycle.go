package worker

import (
	"context"
	"fmt"
	"sync"
)

// Lifecycle 是宿主调用的三个生命周期钩子，宿主决定调用时机，钩子之间互不直接调用。
type Lifecycle interface {
	OnInstall(ctx context.Context) error
	OnFetch(ctx context.Context, req *Request) (*Response, error)
	OnActivate(ctx context.Context) error
}

// State 描述 worker 所处阶段：parsed → installing → installed → activating → activated，
// 安装失败进入 redundant。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// RequireActive 在 state 不是 activated 时返回包装了 ErrNotActive 的错误。
func RequireActive(state State) error {
	if state == StateActivated {
		return nil
	}
	return fmt.Errorf("%w: state %s", ErrNotActive, state)
}

type stateTracker struct {
	mu    sync.RWMutex
	state State
}

func newStateTracker() *stateTracker {
	return &stateTracker{state: StateParsed}
}

func (t *stateTracker) get() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *stateTracker) set(state State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}
