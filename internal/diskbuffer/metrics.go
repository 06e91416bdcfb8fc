package diskbuffer

import "time"

// MetricsCollector receives buffer events. observability.Metrics implements
// it; a nil collector disables reporting.
type MetricsCollector interface {
	RecordBufferWrite(bytes int)
	RecordBufferRead()
	RecordBufferAck(records int)
	RecordBufferDrop(reason string)
	RecordBufferCorruption(reason string)
	RecordBufferFileDeleted()
	RecordBufferFlush(duration time.Duration)
	RecordBufferBlocked(duration time.Duration)
	UpdateBufferUsage(bytes, records uint64)
}

type nopMetrics struct{}

func (nopMetrics) RecordBufferWrite(int)             {}
func (nopMetrics) RecordBufferRead()                 {}
func (nopMetrics) RecordBufferAck(int)               {}
func (nopMetrics) RecordBufferDrop(string)           {}
func (nopMetrics) RecordBufferCorruption(string)     {}
func (nopMetrics) RecordBufferFileDeleted()          {}
func (nopMetrics) RecordBufferFlush(time.Duration)   {}
func (nopMetrics) RecordBufferBlocked(time.Duration) {}
func (nopMetrics) UpdateBufferUsage(uint64, uint64)  {}
