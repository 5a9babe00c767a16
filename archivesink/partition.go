package archivesink

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/Abyteon/canp/dictcache"
)

type timePartitioner struct {
	interval time.Duration
}

// PartitionTime buckets rows by frame timestamp (microseconds since capture
// start) into fixed-width intervals.
func PartitionTime(interval time.Duration) Partitioner {
	return timePartitioner{interval: interval}
}

func (p timePartitioner) Key(row dictcache.DecodedRow) string {
	us := int64(p.interval / time.Microsecond)
	if us <= 0 {
		us = 1
	}
	bucket := int64(row.Timestamp) / us
	return fmt.Sprintf("time-%d", bucket)
}

type hashPartitioner struct {
	buckets int
}

// PartitionHash buckets rows by a hash of message id into a fixed bucket count.
func PartitionHash(buckets int) Partitioner {
	if buckets <= 0 {
		buckets = 1
	}
	return hashPartitioner{buckets: buckets}
}

func (p hashPartitioner) Key(row dictcache.DecodedRow) string {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d", row.MessageID)
	return fmt.Sprintf("hash-%d", h.Sum32()%uint32(p.buckets))
}

type funcPartitioner struct {
	f func(dictcache.DecodedRow) string
}

// PartitionFunc delegates partition-key assignment to a caller-supplied function.
func PartitionFunc(f func(dictcache.DecodedRow) string) Partitioner {
	return funcPartitioner{f: f}
}

func (p funcPartitioner) Key(row dictcache.DecodedRow) string { return p.f(row) }
