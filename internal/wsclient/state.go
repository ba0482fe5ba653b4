package wsclient

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/oremus-labs/taskstream/internal/logutil"
)

// Phase is the connection lifecycle position.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// State is a point-in-time view of the client. IsConnected and IsReconnecting
// are never both true.
type State struct {
	Phase             Phase
	IsConnected       bool
	IsReconnecting    bool
	ReconnectAttempts int
	LastError         error
}

type observer[T any] struct {
	id string
	fn func(T)
}

// observers is an ordered listener set with idempotent removal.
type observers[T any] struct {
	mu      sync.Mutex
	entries []observer[T]
}

func (o *observers[T]) add(fn func(T)) func() {
	id := uuid.NewString()
	o.mu.Lock()
	o.entries = append(o.entries, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, e := range o.entries {
				if e.id == id {
					o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	snapshot := make([]observer[T], len(o.entries))
	copy(snapshot, o.entries)
	o.mu.Unlock()
	for _, e := range snapshot {
		call(e, v)
	}
}

func call[T any](e observer[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			logutil.Error("ws_observer_panic", fmt.Errorf("%v", rec), map[string]interface{}{
				"observerId": e.id,
			})
		}
	}()
	e.fn(v)
}
