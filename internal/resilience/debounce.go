package resilience

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const defaultDebounceEntries = 1024

// Debouncer coalesces identical reads. Concurrent callers with the same key share one
// upstream call, and the result is served to later callers until the window expires or
// Invalidate drops it.
type Debouncer struct {
	group  singleflight.Group
	cache  *expirable.LRU[string, any]
	window time.Duration
	gen    atomic.Uint64
}

func NewDebouncer(window time.Duration) *Debouncer {
	d := &Debouncer{window: window}
	if window > 0 {
		d.cache = expirable.NewLRU[string, any](defaultDebounceEntries, nil, window)
	}
	return d
}

// Debounce runs fn at most once per key and window.
func Debounce[T any](ctx context.Context, d *Debouncer, key string, fn func(context.Context) (T, error)) (T, error) {
	if d == nil {
		return fn(ctx)
	}
	if d.cache != nil {
		if v, ok := d.cache.Get(key); ok {
			return v.(T), nil
		}
	}
	gen := d.gen.Load()
	v, err, _ := d.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		res, err := fn(ctx)
		if err != nil {
			return res, err
		}
		// results fetched before an invalidation are not cached
		if d.cache != nil && d.gen.Load() == gen {
			d.cache.Add(key, res)
		}
		return res, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops cached results whose key starts with prefix and stops in-flight reads
// from being cached.
func (d *Debouncer) Invalidate(prefix string) {
	if d == nil {
		return
	}
	d.gen.Add(1)
	if d.cache == nil {
		return
	}
	for _, k := range d.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			d.cache.Remove(k)
		}
	}
}

// Len reports the number of cached results.
func (d *Debouncer) Len() int {
	if d == nil || d.cache == nil {
		return 0
	}
	return d.cache.Len()
}
