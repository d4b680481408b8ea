// Package telemetry publishes trapped protection faults off the device.
//
// A Reporter is an mpu.Observer: the fault path only enqueues, and a
// background goroutine encodes and publishes. When the queue is full the
// fault is dropped and counted, so a slow broker never stalls fault
// handling.
package telemetry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close() error
}

// Event is the JSON form of a fault.
type Event struct {
	Run   string    `json:"run,omitempty"`
	Kind  string    `json:"kind"`
	Guard string    `json:"guard"`
	Addr  uint32    `json:"addr"`
	PC    uint32    `json:"pc"`
	Count uint64    `json:"count"`
	Time  time.Time `json:"time"`
}

// NewEvent converts f, stamped with t.
func NewEvent(f mpu.Fault, t time.Time) Event {
	return Event{
		Kind:  f.Kind.String(),
		Guard: f.Guard.String(),
		Addr:  f.Addr,
		PC:    f.PC,
		Count: f.Count,
		Time:  t.UTC(),
	}
}

// DefaultQueueDepth is the queue size used when none is given.
const DefaultQueueDepth = 64

// Reporter queues faults and publishes them to one topic.
type Reporter struct {
	pub   Publisher
	topic string
	run   string
	now   func() time.Time

	ch        chan Event
	closeOnce sync.Once
	done      chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

var _ mpu.Observer = (*Reporter)(nil)

// NewReporter starts a reporter publishing to topic through pub with a
// queue of depth events. Every event carries a run ID unique to the
// reporter, so runs sharing a topic can be told apart.
func NewReporter(pub Publisher, topic string, depth int) *Reporter {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	r := &Reporter{
		pub:   pub,
		topic: topic,
		run:   uuid.New().String(),
		now:   time.Now,
		ch:    make(chan Event, depth),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// ObserveFault implements mpu.Observer. It never blocks.
func (r *Reporter) ObserveFault(f mpu.Fault) {
	ev := NewEvent(f, r.now())
	ev.Run = r.run
	select {
	case r.ch <- ev:
	default:
		n := r.dropped.Add(1)
		glog.Warningf("telemetry: queue full, dropped fault %d (%d dropped)", f.Count, n)
	}
}

func (r *Reporter) loop() {
	defer close(r.done)
	for ev := range r.ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.failed.Add(1)
			glog.Errorf("telemetry: encode: %v", err)
			continue
		}
		if err := r.pub.Publish(r.topic, payload); err != nil {
			r.failed.Add(1)
			glog.Warningf("telemetry: publish to %s: %v", r.topic, err)
			continue
		}
		r.published.Add(1)
		glog.V(2).Infof("telemetry: %s %s", r.topic, payload)
	}
}

// Close flushes queued events, then closes the publisher. ObserveFault must
// not be called after Close.
func (r *Reporter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
		err = r.pub.Close()
	})
	return err
}

// RunID returns the ID stamped on this reporter's events.
func (r *Reporter) RunID() string {
	return r.run
}

// Stats reports published, dropped and failed event counts.
func (r *Reporter) Stats() (published, dropped, failed uint64) {
	return r.published.Load(), r.dropped.Load(), r.failed.Load()
}
