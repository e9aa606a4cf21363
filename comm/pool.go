package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	mu      sync.Mutex
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out
	waiting int                     // number of Get calls blocked on a full pool
	timeout time.Duration           // time after the last return to free all connections
	conns   chan io.ReadWriteCloser // idle connections
	timer   *time.Timer             // fires reclaim after the pool goes idle
	maker   CreationFunc
}

// NewPool creates a new pool of at most maxSize connections made with maker.
// Idle connections are closed timeout after the last one is returned.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a connection from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the connection, return it with Put, or discard it with
// Destroy if it has become no good; ReturnWithError picks between the two.
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	// short circuit: if a connection is idle, give it out
	select {
	case c := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return c, nil
	default:
	}
	// room to make a new one
	if p.onLease < p.maxSize {
		p.onLease++
		p.mu.Unlock()
		c, err := p.maker()
		if err != nil {
			p.mu.Lock()
			p.onLease--
			p.mu.Unlock()
			return nil, err
		}
		return c, nil
	}
	// all given out; wait for one to come back
	p.waiting++
	p.mu.Unlock()
	c := <-p.conns
	p.mu.Lock()
	p.waiting--
	p.onLease++
	p.mu.Unlock()
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// closed after all connections are returned and the timeout has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	p.conns <- rwc
	if p.onLease == 0 && p.waiting == 0 {
		if p.timer == nil {
			p.timer = time.AfterFunc(p.timeout, p.reclaim)
		} else {
			p.timer.Reset(p.timeout)
		}
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError returns the connection with Put if err is nil, and
// Destroys it otherwise.  A connection that saw a timeout may still have a
// late response in flight, so it is not reused.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease > 0 || p.waiting > 0 {
		return
	}
	for {
		select {
		case c := <-p.conns:
			c.Close()
		default:
			return
		}
	}
}
