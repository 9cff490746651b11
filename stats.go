package vcache

import "sync/atomic"

// diag counters, updated atomically on the hot paths
type spaceStats struct {
	valuesWritten atomic.Int64
	bytesWritten  atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	reclaimed     atomic.Int64
	batches       atomic.Int64
	txCommits     atomic.Int64
}

// Stats is a point-in-time snapshot of a space's counters.
type Stats struct {
	ValuesWritten int64
	BytesWritten  int64
	CacheHits     int64
	CacheMisses   int64
	Reclaimed     int64
	Batches       int64
	TxCommits     int64
}

func (sp *Space) Stats() Stats {
	return Stats{
		ValuesWritten: sp.stats.valuesWritten.Load(),
		BytesWritten:  sp.stats.bytesWritten.Load(),
		CacheHits:     sp.stats.cacheHits.Load(),
		CacheMisses:   sp.stats.cacheMisses.Load(),
		Reclaimed:     sp.stats.reclaimed.Load(),
		Batches:       sp.stats.batches.Load(),
		TxCommits:     sp.stats.txCommits.Load(),
	}
}
