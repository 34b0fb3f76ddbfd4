package media

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
)

// levelObserver implements LevelObserver with a ticker that alternates
// between "volumes" ticks (report currently active producers) and
// "silence" ticks (clear the speaking set), following the cadence named by
// LevelObserverParams.Interval.
type levelObserver struct {
	params LevelObserverParams

	mu        sync.Mutex
	producers map[string]*trackedProducer
	listener  func(activeProducerIDs []string, silence bool)

	stop chan struct{}
	once sync.Once
}

type trackedProducer struct {
	producer  Producer
	lastLevel float64 // dBFS, louder is less negative
}

// newLevelObserver starts the tick loop on pool if one is supplied,
// otherwise falls back to a bare goroutine, following the fallback
// speaker_detector.go itself implements.
func newLevelObserver(params LevelObserverParams, pool ...workerpool.WorkerPool) *levelObserver {
	o := &levelObserver{
		params:    params,
		producers: make(map[string]*trackedProducer),
		stop:      make(chan struct{}),
	}
	var p workerpool.WorkerPool
	if len(pool) > 0 {
		p = pool[0]
	}
	if p != nil {
		_ = p.Submit(context.Background(), o.run)
	} else {
		go o.run()
	}
	return o
}

func (o *levelObserver) Listen(fn func(activeProducerIDs []string, tickIsSilence bool)) {
	o.mu.Lock()
	o.listener = fn
	o.mu.Unlock()
}

func (o *levelObserver) Attach(p Producer) {
	o.mu.Lock()
	o.producers[p.ID()] = &trackedProducer{producer: p, lastLevel: 0}
	o.mu.Unlock()
}

func (o *levelObserver) Detach(producerID string) {
	o.mu.Lock()
	delete(o.producers, producerID)
	o.mu.Unlock()
}

// UpdateLevel records a producer's most recently sampled audio level, in
// dBFS (0 is loudest, negative values are quieter). The pion adapter does
// not sample RTP audio levels and never calls this, so an attached producer
// keeps the level it was attached with (0 dBFS); level_observer_test.go
// drives it directly to exercise tick semantics deterministically.
func (o *levelObserver) UpdateLevel(producerID string, dbfs float64) {
	o.mu.Lock()
	if tp, ok := o.producers[producerID]; ok {
		tp.lastLevel = dbfs
	}
	o.mu.Unlock()
}

func (o *levelObserver) Close() error {
	o.once.Do(func() { close(o.stop) })
	return nil
}

func (o *levelObserver) run() {
	interval := time.Duration(o.params.Interval) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	silenceEvery := 10 // every 10th tick with no active producers is reported as a silence tick
	tick := 0
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			tick++
			o.fire(tick%silenceEvery == 0)
		}
	}
}

func (o *levelObserver) fire(preferSilence bool) {
	o.mu.Lock()
	listener := o.listener
	active := make([]string, 0, o.params.MaxEntries)
	for id, tp := range o.producers {
		if tp.lastLevel >= o.params.ThresholdDBFS {
			active = append(active, id)
			if len(active) >= o.params.MaxEntries {
				break
			}
		}
	}
	o.mu.Unlock()

	if listener == nil {
		return
	}
	if len(active) == 0 && preferSilence {
		listener(nil, true)
		return
	}
	listener(active, false)
}
