package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chapterstream/transcoder/internal/domain"
)

func TestRoutingKeyForPriority(t *testing.T) {
	assert.Equal(t, routingKeyPriority, routingKeyForPriority(domain.PriorityHigh))
	assert.Equal(t, routingKeyNormal, routingKeyForPriority(domain.PriorityNormal))
	assert.Equal(t, routingKeyLow, routingKeyForPriority(domain.PriorityLow))
}

func TestQueueForPriority(t *testing.T) {
	assert.Equal(t, queuePriority, QueueForPriority(domain.PriorityHigh))
	assert.Equal(t, queueNormal, QueueForPriority(domain.PriorityNormal))
	assert.Equal(t, queueLow, QueueForPriority(domain.PriorityLow))
}

func TestDeletionQueue(t *testing.T) {
	assert.Equal(t, "audiobook.chapters.deleted", DeletionQueue())
}

func TestQueueTTL(t *testing.T) {
	assert.Contains(t, queueTTL, routingKeyPriority)
	assert.Contains(t, queueTTL, routingKeyNormal)
	assert.Contains(t, queueTTL, routingKeyLow)
}
