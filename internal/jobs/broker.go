package jobs

import (
	"sync"
	"time"

	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
)

const subscriberBufferSize = 64

// Update is one event streamed to live job log subscribers.
type Update struct {
	JobSequenceID uint                     `json:"job_sequence_id"`
	Kind          string                   `json:"kind"`
	Level         string                   `json:"level,omitempty"`
	Message       string                   `json:"message,omitempty"`
	Status        models.JobSequenceStatus `json:"status,omitempty"`
	At            time.Time                `json:"at"`
}

const (
	// UpdateKindLine carries one output line.
	UpdateKindLine = "line"
	// UpdateKindStatus carries the final status of the sequence.
	UpdateKindStatus = "status"
	// UpdateKindSnapshot carries the output persisted so far, sent once to
	// each new subscriber.
	UpdateKindSnapshot = "snapshot"
)

// Broker fans job sequence updates out to in-process subscribers. Slow
// subscribers drop updates rather than block the job.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan Update]struct{}
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[uint]map[chan Update]struct{})}
}

// Subscribe registers for updates of one job sequence. The returned cleanup
// closes the channel.
func (b *Broker) Subscribe(jobSequenceID uint) (<-chan Update, func()) {
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	if _, exists := b.subscribers[jobSequenceID]; !exists {
		b.subscribers[jobSequenceID] = make(map[chan Update]struct{})
	}
	b.subscribers[jobSequenceID][ch] = struct{}{}
	b.mu.Unlock()
	observability.JobLogSubscribers().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subscribers, ok := b.subscribers[jobSequenceID]; ok {
				if _, present := subscribers[ch]; present {
					delete(subscribers, ch)
					close(ch)
				}
				if len(subscribers) == 0 {
					delete(b.subscribers, jobSequenceID)
				}
			}
			observability.JobLogSubscribers().Dec()
		})
	}

	return ch, cleanup
}

func (b *Broker) publish(update Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[update.JobSequenceID] {
		select {
		case ch <- update:
		default:
		}
	}
}
