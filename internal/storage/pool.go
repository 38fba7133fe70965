package storage

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// pool is a bounded goroutine pool that the cache dispatches page
// fetches onto, so that a page acquisition genuinely can complete
// after Acquire returns rather than merely pretend to. Adapted from a
// general-purpose task/worker-queue abstraction: same dispatch loop,
// same idle-worker reaping, narrowed here to a single Submit entry
// point since the cache is the pool's only caller.
type pool struct {
	maxWorkers int
	taskQueue  chan func()
	workerQueue chan func()
	stoppedChan chan struct{}
	stopSignal  chan struct{}
	waitingQueue list.List
	stopLock     sync.Mutex
	stopOnce     sync.Once
	stopped      bool
	waiting      int32
}

var idleTimeout = 2 * time.Second

func newPool(maxWorkers int) *pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &pool{
		maxWorkers:  maxWorkers,
		taskQueue:   make(chan func()),
		workerQueue: make(chan func()),
		stopSignal:  make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// submit enqueues task for execution on some worker goroutine. It
// never runs task inline, even if a worker is immediately free — that
// guarantee is what lets the cache treat every fresh page fetch as a
// genuine suspension point.
func (p *pool) submit(task func()) {
	if task != nil {
		p.taskQueue <- task
	}
}

func (p *pool) stop() {
	p.stopOnce.Do(func() {
		close(p.stopSignal)
		p.stopLock.Lock()
		p.stopped = true
		p.stopLock.Unlock()
		close(p.taskQueue)
	})
	<-p.stoppedChan
}

func (p *pool) dispatch() {
	defer close(p.stoppedChan)
	timeout := time.NewTimer(idleTimeout)
	var workerCount int
	var idle bool
	var wg sync.WaitGroup

loop:
	for {
		if p.waitingQueue.Len() != 0 {
			if !p.processWaitingQueue() {
				break loop
			}
			continue
		}

		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				break loop
			}
			select {
			case p.workerQueue <- task:
			default:
				if workerCount < p.maxWorkers {
					wg.Add(1)
					go poolWorker(task, p.workerQueue, &wg)
					workerCount++
				} else {
					p.waitingQueue.PushBack(task)
					atomic.StoreInt32(&p.waiting, int32(p.waitingQueue.Len()))
				}
			}
			idle = false

		case <-timeout.C:
			if idle && workerCount > 0 {
				if p.killIdleWorker() {
					workerCount--
				}
			}
			idle = true
			timeout.Reset(idleTimeout)
		}
	}
	for workerCount > 0 {
		p.workerQueue <- nil
		workerCount--
	}
	wg.Wait()
	timeout.Stop()
}

func poolWorker(task func(), workerQueue chan func(), wg *sync.WaitGroup) {
	for task != nil {
		task()
		task = <-workerQueue
	}
	wg.Done()
}

func (p *pool) killIdleWorker() bool {
	select {
	case p.workerQueue <- nil:
		return true
	default:
		return false
	}
}

func (p *pool) processWaitingQueue() bool {
	select {
	case task, ok := <-p.taskQueue:
		if !ok {
			return false
		}
		p.waitingQueue.PushBack(task)
	case p.workerQueue <- p.waitingQueue.Front().Value.(func()):
		front := p.waitingQueue.Front()
		p.waitingQueue.Remove(front)
	}
	atomic.StoreInt32(&p.waiting, int32(p.waitingQueue.Len()))
	return true
}
