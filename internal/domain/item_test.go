package domain

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFireRendezvousIdempotent(t *testing.T) {
	item := NewSpeechItem("i", "c", "text", true, PriorityNormal)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item.FireRendezvous()
			item.FirePromoted()
		}()
	}
	wg.Wait()

	<-item.Rendezvous
	<-item.Promoted
}

func TestTerminal(t *testing.T) {
	item := NewChoicesItem("i", "c", "p", []Option{{Label: "x"}}, false)
	assert.False(t, item.Terminal())

	item.Status = StatusActive
	assert.False(t, item.Terminal())

	item.Status = StatusResolved
	assert.True(t, item.Terminal())

	item.Status = StatusCancelled
	assert.True(t, item.Terminal())
}
