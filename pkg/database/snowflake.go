package database

import (
	"sync"
	"time"
)

// Snowflake generates unique 64-bit message IDs:
// 41 bits of milliseconds since a custom epoch, 10 bits of worker ID,
// 12 bits of per-millisecond sequence.
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastTime int64
	sequence int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	timestampShift = workerIDBits + sequenceBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates a generator. workerID must be unique per process
// in multi-server deployments (0-1023); out-of-range values clamp to 0.
func NewSnowflake(epoch, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next unique ID. IDs are strictly increasing per
// generator even if the wall clock steps backwards.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastTime {
		now = s.lastTime
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// Sequence exhausted within one millisecond; wait it out.
			for now <= s.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now-s.epoch)<<timestampShift | s.workerID<<sequenceBits | s.sequence)
}
