package workqueue

import (
	"strconv"

	"github.com/redis/go-redis/v9"
)

const masterQueueName = "master"

// BitrateQueueName returns the queue name for a bitrate, e.g. "bitrate:128".
func BitrateQueueName(bitrate int) string {
	return "bitrate:" + strconv.Itoa(bitrate)
}

// MasterQueueName is the single master-playlist fan-in queue name.
func MasterQueueName() string { return masterQueueName }

// Queues groups the BQ_64/128/256 and MQ queues sharing one Redis client
// and retry policy.
type Queues struct {
	Bitrate map[int]*Queue
	Master  *Queue
}

// NewQueues builds one Queue per configured bitrate plus the master
// queue, all sharing client and opts.
func NewQueues(client *redis.Client, bitrates []int, opts Options) *Queues {
	bitrate := make(map[int]*Queue, len(bitrates))
	for _, b := range bitrates {
		bitrate[b] = New(client, BitrateQueueName(b), opts)
	}
	return &Queues{
		Bitrate: bitrate,
		Master:  New(client, MasterQueueName(), opts),
	}
}
