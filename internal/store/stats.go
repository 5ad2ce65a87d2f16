package store

import (
	"sync/atomic"
	"time"
)

// StatsCollector collects and tracks statistics for an environment or a
// single store.
type StatsCollector struct {
	totalReads    uint64
	totalWrites   uint64
	transactions  uint64
	aborted       uint64
	batches       uint64
	txnNanos      uint64
	cursorsOpened uint64
	cursorsReused uint64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// IncrementReads atomically increments the read counter
func (s *StatsCollector) IncrementReads() {
	atomic.AddUint64(&s.totalReads, 1)
}

// IncrementWrites atomically adds n to the write counter
func (s *StatsCollector) IncrementWrites(n int) {
	atomic.AddUint64(&s.totalWrites, uint64(n))
}

// RecordTransaction counts a settled transaction function.
func (s *StatsCollector) RecordTransaction(aborted bool) {
	atomic.AddUint64(&s.transactions, 1)
	if aborted {
		atomic.AddUint64(&s.aborted, 1)
	}
}

// RecordBatch counts one committed engine write transaction and its
// duration.
func (s *StatsCollector) RecordBatch(d time.Duration) {
	atomic.AddUint64(&s.batches, 1)
	atomic.AddUint64(&s.txnNanos, uint64(d))
}

// RecordCursor counts a cursor acquisition.
func (s *StatsCollector) RecordCursor(reused bool) {
	if reused {
		atomic.AddUint64(&s.cursorsReused, 1)
		return
	}
	atomic.AddUint64(&s.cursorsOpened, 1)
}

// TotalReads returns the total read count
func (s *StatsCollector) TotalReads() uint64 {
	return atomic.LoadUint64(&s.totalReads)
}

// TotalWrites returns the total write count
func (s *StatsCollector) TotalWrites() uint64 {
	return atomic.LoadUint64(&s.totalWrites)
}

// Stats returns the current counters.
func (s *StatsCollector) Stats() Stats {
	st := Stats{
		TotalReads:    atomic.LoadUint64(&s.totalReads),
		TotalWrites:   atomic.LoadUint64(&s.totalWrites),
		Transactions:  atomic.LoadUint64(&s.transactions),
		Aborted:       atomic.LoadUint64(&s.aborted),
		Batches:       atomic.LoadUint64(&s.batches),
		CursorsOpened: atomic.LoadUint64(&s.cursorsOpened),
		CursorsReused: atomic.LoadUint64(&s.cursorsReused),
	}
	if st.Batches > 0 {
		st.AverageTxnTime = time.Duration(atomic.LoadUint64(&s.txnNanos) / st.Batches)
	}
	return st
}
