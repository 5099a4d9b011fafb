package writebehind

// Stats is a snapshot of pool counters.
type Stats struct {
	Enqueued          int64
	Processed         int64
	Failed            int64
	Rejected          int64
	Transactions      int64
	QueueDepth        int
	ExtraWorkers      int
	PeakExtraWorkers  int
	ShutdownRequested bool
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Enqueued:          p.enqueued.Load(),
		Processed:         p.processed.Load(),
		Failed:            p.failed.Load(),
		Rejected:          p.rejected.Load(),
		Transactions:      p.transactions.Load(),
		QueueDepth:        p.q.len(),
		ExtraWorkers:      int(p.extra.Load()),
		PeakExtraWorkers:  int(p.peakExtra.Load()),
		ShutdownRequested: p.terminated.Load(),
	}
}
