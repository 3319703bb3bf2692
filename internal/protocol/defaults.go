package protocol

import "time"

// Defaults from spec.md §6 / §9.
const (
	DefaultPort           = 4730
	DefaultListenBacklog  = 64
	HashBucketCount       = 383
	HandleMaxLen          = 64
	UniqueMaxLen          = 64
	DefaultSendBufferSize = 8192
	DefaultRecvBufferSize = 8192

	DefaultSocketTimeout = 10 * time.Second
	WorkerWaitTimeout    = 10 * time.Second

	MaxFreeConnections = 1000
	MaxFreePackets     = 2000
	MaxFreeJobs        = 1000
)
