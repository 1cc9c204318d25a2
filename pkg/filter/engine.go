package filter

import (
	"github.com/sirupsen/logrus"
)

// DefaultCacheCapacity bounds the process-wide design cache (§4.5: "bounded
// LRU across the whole process").
const DefaultCacheCapacity = 128

// Engine owns the process-wide SOS design cache. One Engine is typically
// shared by the whole process; it is safe for concurrent use from every
// producer thread.
type Engine struct {
	log   *logrus.Entry
	cache *designCache
}

// NewEngine creates a design engine with the given cache capacity (<=0
// uses DefaultCacheCapacity).
func NewEngine(logger *logrus.Logger, capacity int) *Engine {
	return &Engine{
		log:   logger.WithField("component", "filter_engine"),
		cache: newDesignCache(capacity),
	}
}

// Design returns the cascade for (sensorKey, fs, spec), designing and
// caching it on first use. Equal specs (by canonical key) always return
// the same cascade - object identity via the cache is the documented
// round-trip guarantee (§8).
//
// Design never fails outward: an invalid spec degrades to an identity (or
// partially-identity) cascade after logging a warning, so the calling
// producer thread is never killed by a bad spec.
func (e *Engine) Design(sensorKey string, fs float64, spec Spec) Cascade {
	key := canonicalKey(sensorKey, fs, spec)
	if cascade, ok := e.cache.get(key); ok {
		return cascade
	}

	v := validateSpec(e.log, sensorKey, fs, spec)
	cascade := designCascade(e.log, sensorKey, fs, v)
	e.cache.put(key, cascade)

	e.log.WithFields(logrus.Fields{
		"sensor": sensorKey, "fs": fs, "stages": len(cascade), "cache_size": e.cache.len(),
	}).Info("filter: design cached")
	return cascade
}
