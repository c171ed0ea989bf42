package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
	// Sliding makes every hit push the entry's expiry out by its TTL.
	Sliding bool
}

type entry struct {
	key       string
	val       any
	ttl       time.Duration
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts []PutOption
}

type LRU struct {
	getCh     chan getReq
	putCh     chan putReq
	delCh     chan string
	lenCh     chan chan int
	done      chan struct{}
	closeOnce sync.Once
	sliding   bool
}

func (L *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp, 1)
	select {
	case L.getCh <- getReq{key: key, resp: resp}:
	case <-L.done:
		return nil, false
	}
	r := <-resp
	return r.val, r.ok
}

func (L *LRU) Put(key string, val any, opts ...PutOption) {
	select {
	case L.putCh <- putReq{key: key, val: val, opts: opts}:
	case <-L.done:
	}
}

func (L *LRU) Delete(key string) {
	select {
	case L.delCh <- key:
	case <-L.done:
	}
}

func (L *LRU) Len() int {
	resp := make(chan int, 1)
	select {
	case L.lenCh <- resp:
	case <-L.done:
		return 0
	}
	return <-resp
}

// Close stops the cache goroutine. Afterwards Get misses and Put/Delete are
// ignored.
func (L *LRU) Close() {
	L.closeOnce.Do(func() { close(L.done) })
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh:   make(chan getReq),
		putCh:   make(chan putReq),
		delCh:   make(chan string),
		lenCh:   make(chan chan int),
		done:    make(chan struct{}),
		sliding: opts.Sliding,
	}

	go l.run(opts.Size)

	return l
}

func (L *LRU) run(size int) {
	ll := list.New()
	cache := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(cache, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-L.done:
			return
		case req := <-L.getCh:
			ele, ok := cache[req.key]
			if !ok {
				req.resp <- getResp{}
				continue
			}
			e := ele.Value.(*entry)
			now := time.Now()
			if e.expired(now) {
				remove(ele)
				req.resp <- getResp{}
				continue
			}
			if L.sliding && e.ttl > 0 {
				e.expiresAt = now.Add(e.ttl)
			}
			ll.MoveToFront(ele)
			req.resp <- getResp{val: e.val, ok: true}
		case req := <-L.putCh:
			var o PutOptions
			for _, opt := range req.opts {
				opt(&o)
			}
			var expiresAt time.Time
			if o.TTL > 0 {
				expiresAt = time.Now().Add(o.TTL)
			}
			if ele, ok := cache[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry)
				e.val, e.ttl, e.expiresAt = req.val, o.TTL, expiresAt
				continue
			}
			ele := ll.PushFront(&entry{key: req.key, val: req.val, ttl: o.TTL, expiresAt: expiresAt})
			cache[req.key] = ele
			if ll.Len() > size {
				if last := ll.Back(); last != nil {
					remove(last)
				}
			}
		case key := <-L.delCh:
			if ele, ok := cache[key]; ok {
				remove(ele)
			}
		case resp := <-L.lenCh:
			resp <- ll.Len()
		}
	}
}

var _ Cache = (*LRU)(nil)
