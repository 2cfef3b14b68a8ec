// Package queuetest records enqueued jobs instead of dispatching them.
package queuetest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/spacesedan/hookflow/internal/queue"
)

type Enqueued struct {
	Handle  queue.Handle
	Payload []byte
	Options queue.Options
}

// Decode unmarshals the recorded payload into v.
func (e Enqueued) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Recorder implements queue.Enqueuer. Removed jobs stay in Jobs and are
// reported by Removed.
type Recorder struct {
	mu      sync.Mutex
	seq     int
	jobs    []Enqueued
	removed map[string]bool

	Err error
}

func NewRecorder() *Recorder {
	return &Recorder{removed: map[string]bool{}}
}

func (r *Recorder) Enqueue(_ context.Context, q, jobType string, payload any, opts queue.Options) (queue.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return queue.Handle{}, r.Err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return queue.Handle{}, err
	}
	r.seq++
	h := queue.Handle{ID: "job-" + strconv.Itoa(r.seq), Queue: q, Type: jobType}
	r.jobs = append(r.jobs, Enqueued{Handle: h, Payload: data, Options: opts})
	return h, nil
}

func (r *Recorder) Remove(_ context.Context, h queue.Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Handle == h && !r.removed[h.ID] {
			r.removed[h.ID] = true
			return true, nil
		}
	}
	return false, nil
}

// Jobs returns every enqueued job of jobType, oldest first.
func (r *Recorder) Jobs(jobType string) []Enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Enqueued
	for _, j := range r.jobs {
		if j.Handle.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

// Pending returns jobs of jobType that were not removed.
func (r *Recorder) Pending(jobType string) []Enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Enqueued
	for _, j := range r.jobs {
		if j.Handle.Type == jobType && !r.removed[j.Handle.ID] {
			out = append(out, j)
		}
	}
	return out
}

func (r *Recorder) Removed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed[id]
}
