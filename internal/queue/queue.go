// Package queue implements the Translation Queue Manager (§4.4): the
// serialized driver that feeds segments into the Translation Pipeline,
// cancelling any in-flight partial translation whenever a new segment
// (partial or committed) for the same session arrives.
//
// Grounded directly on translator.py's TranslationQueueManager — the
// clearest one-to-one mapping in the whole system: asyncio.Task.cancel()
// becomes a stored context.CancelFunc, asyncio.Queue becomes a buffered Go
// channel, and the single _loop() driver becomes a single driver goroutine.
package queue

import (
	"context"
	"sync"

	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/segment"
)

// ViewReader supplies the transcript snapshot a processing item needs to
// build translation context, decoupling the queue from internal/transcript.
type ViewReader interface {
	Get(ctx context.Context, sid string) segment.View
}

// Translator runs the correction/translate/keyword-extraction algorithm.
type Translator interface {
	Run(ctx context.Context, sid string, seg segment.Segment, view segment.View, skipCorrection bool) segment.Segment
}

// Callback receives the translated result for a session.
type Callback func(sid string, result segment.Segment)

type item struct {
	ctx            context.Context
	sid            string
	seg            segment.Segment
	skipCorrection bool
}

// Manager is the per-process Translation Queue Manager. One Manager instance
// is shared by all sessions; partial-cancellation state is tracked per
// session.
type Manager struct {
	views      ViewReader
	translator Translator
	callback   Callback

	commitQueue chan item

	mu           sync.Mutex
	partialCancel map[string]context.CancelFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Manager. queueCapacity bounds the committed-segment
// backlog: the queue is not unbounded, and once it holds queueCapacity
// items a committed Put blocks until the driver takes one or Stop is
// called.
func New(views ViewReader, translator Translator, callback Callback, queueCapacity int) *Manager {
	m := &Manager{
		views:         views,
		translator:    translator,
		callback:      callback,
		commitQueue:   make(chan item, queueCapacity),
		partialCancel: make(map[string]context.CancelFunc),
		stop:          make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

// Put enqueues seg for translation. A partial segment cancels any
// in-flight partial translation for the same session and starts a new one
// immediately, bypassing the commit queue. A committed segment always
// cancels any in-flight partial for the session (its result supersedes the
// partial regardless of ordering) and is then queued behind other commits.
func (m *Manager) Put(ctx context.Context, sid string, seg segment.Segment, skipCorrection bool) {
	m.cancelPartial(sid)

	if seg.Partial {
		taskCtx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.partialCancel[sid] = cancel
		m.mu.Unlock()
		go m.process(item{ctx: taskCtx, sid: sid, seg: seg, skipCorrection: skipCorrection})
		return
	}

	select {
	case m.commitQueue <- item{ctx: ctx, sid: sid, seg: seg, skipCorrection: skipCorrection}:
	case <-m.stop:
	}
}

func (m *Manager) cancelPartial(sid string) {
	m.mu.Lock()
	cancel, ok := m.partialCancel[sid]
	if ok {
		delete(m.partialCancel, sid)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	log := logging.Tag("queue")
	for {
		select {
		case it := <-m.commitQueue:
			m.process(it)
		case <-m.stop:
			log.Info("queue driver stopped")
			return
		}
	}
}

func (m *Manager) process(it item) {
	log := logging.Tag("queue")
	defer func() {
		if r := recover(); r != nil {
			log.Sugar().Errorw("process panicked", "session_id", it.sid, "panic", r)
		}
	}()

	if it.ctx.Err() != nil {
		return
	}

	view := m.views.Get(it.ctx, it.sid)
	result := m.translator.Run(it.ctx, it.sid, it.seg, view, it.skipCorrection)

	if it.ctx.Err() != nil {
		return
	}
	m.callback(it.sid, result)
}

// Stop halts the driver goroutine and cancels every in-flight partial task.
// Queued committed items are dropped, matching the original's task.cancel()
// on shutdown.
func (m *Manager) Stop() {
	close(m.stop)
	m.mu.Lock()
	for sid, cancel := range m.partialCancel {
		cancel()
		delete(m.partialCancel, sid)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
