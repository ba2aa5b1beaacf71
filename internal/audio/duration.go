package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Ticker is the periodic source driving a DurationTracker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc builds a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the default TickerFunc backed by time.Ticker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// DurationTracker counts whole seconds while armed.
//
// One counter backs two read paths: Snapshot is an immediate atomic read
// meant for finalization, while Subscribe delivers the value to display
// consumers, possibly one tick late.
type DurationTracker struct {
	interval  time.Duration
	newTicker TickerFunc

	elapsed atomic.Int64

	mu          sync.Mutex
	armed       bool
	stop        chan struct{}
	done        chan struct{}
	subscribers map[int]chan int
	nextSubID   int
}

// NewDurationTracker creates a tracker ticking once per interval. A zero
// interval means one second; a nil newTicker means NewTimeTicker.
func NewDurationTracker(interval time.Duration, newTicker TickerFunc) *DurationTracker {
	if interval <= 0 {
		interval = time.Second
	}
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	return &DurationTracker{
		interval:    interval,
		newTicker:   newTicker,
		subscribers: make(map[int]chan int),
	}
}

// Arm resets the count to zero and starts ticking.
func (d *DurationTracker) Arm() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.armed {
		return ErrAlreadyArmed
	}

	d.elapsed.Store(0)
	d.armed = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	ticker := d.newTicker(d.interval)
	if ticker == nil {
		d.armed = false
		return fmt.Errorf("tick source unavailable")
	}

	d.broadcastLocked(0)
	go d.run(ticker, d.stop, d.done)
	return nil
}

func (d *DurationTracker) run(ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			value := int(d.elapsed.Add(1))
			d.mu.Lock()
			d.broadcastLocked(value)
			d.mu.Unlock()
		}
	}
}

// Disarm stops ticking and leaves the last count readable. When Disarm
// returns no further tick can change the count.
func (d *DurationTracker) Disarm() {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
}

// Armed reports whether the tracker is counting.
func (d *DurationTracker) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// Snapshot returns the current count without waiting for a tick.
func (d *DurationTracker) Snapshot() int {
	return int(d.elapsed.Load())
}

// Subscribe returns a channel holding the latest count. Slow readers see
// the most recent value only; the tick loop never blocks on them.
func (d *DurationTracker) Subscribe() (<-chan int, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextSubID
	d.nextSubID++
	ch := make(chan int, 1)
	ch <- d.Snapshot()
	d.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	return ch, cancel
}

func (d *DurationTracker) broadcastLocked(value int) {
	for _, ch := range d.subscribers {
		offerLatest(ch, value)
	}
}

// offerLatest replaces whatever is buffered in ch with value.
func offerLatest[T any](ch chan T, value T) {
	select {
	case ch <- value:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- value:
	default:
	}
}

// FormatElapsed renders seconds as m:ss.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
