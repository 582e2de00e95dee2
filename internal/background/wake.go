package background

import (
	"sync"

	"github.com/google/uuid"

	logx "pulsekeeper/pkg/logx"
)

// WakeTask is one host-initiated wake. The expiring callback registered with
// OnExpiring runs synchronously when the host is about to revoke the task,
// after which the task is completed successfully if nobody completed it yet.
type WakeTask struct {
	id   string
	host HostTask
	log  logx.Logger

	mu       sync.Mutex
	expiring func()

	once      sync.Once
	completed chan struct{}
}

func newWakeTask(ht HostTask, log logx.Logger) *WakeTask {
	t := &WakeTask{
		id:        uuid.NewString(),
		host:      ht,
		log:       log,
		completed: make(chan struct{}),
	}
	ht.SetExpirationHandler(t.expire)
	return t
}

// ID is unique per wake; it is not the host identifier.
func (t *WakeTask) ID() string { return t.id }

func (t *WakeTask) Identifier() string { return t.host.Identifier() }

// OnExpiring replaces the expiry callback.
func (t *WakeTask) OnExpiring(fn func()) {
	t.mu.Lock()
	t.expiring = fn
	t.mu.Unlock()
}

// Complete reports the outcome to the host. Only the first call counts.
func (t *WakeTask) Complete(success bool) {
	t.once.Do(func() {
		t.log.Debug("wake task completed", logx.String("task", t.id), logx.Bool("success", success))
		t.host.SetTaskCompleted(success)
		close(t.completed)
	})
}

// Done is closed once the task has been completed.
func (t *WakeTask) Done() <-chan struct{} { return t.completed }

func (t *WakeTask) expire() {
	select {
	case <-t.completed:
		return
	default:
	}
	t.mu.Lock()
	fn := t.expiring
	t.mu.Unlock()
	t.log.Info("wake task expiring", logx.String("task", t.id))
	if fn != nil {
		fn()
	}
	// Logically still armed for the next wake; the host only needs to know
	// this window finished cleanly.
	t.Complete(true)
}
