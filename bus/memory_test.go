package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryBusDirectSubscriptions(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	uut := GetMemoryBus(ctxt)

	received1 := make(chan []byte, 8)
	received2 := make(chan []byte, 8)
	assert.Nil(uut.Subscribe(
		"unit-test.direct", "", func(_ context.Context, _ string, msg []byte) error {
			received1 <- msg
			return nil
		}, &wg,
	))
	assert.Nil(uut.Subscribe(
		"unit-test.direct", "", func(_ context.Context, _ string, msg []byte) error {
			received2 <- msg
			return nil
		}, &wg,
	))

	// Case 1: both direct subscribers see the message
	{
		assert.Nil(uut.Publish(ctxt, "unit-test.direct", []byte("hello")))
		select {
		case msg := <-received1:
			assert.Equal("hello", string(msg))
		case <-time.After(time.Second):
			assert.FailNow("subscriber 1 received nothing")
		}
		select {
		case msg := <-received2:
			assert.Equal("hello", string(msg))
		case <-time.After(time.Second):
			assert.FailNow("subscriber 2 received nothing")
		}
	}

	// Case 2: publishing on another subject reaches no one
	{
		assert.Nil(uut.Publish(ctxt, "unit-test.other", []byte("stray")))
		select {
		case <-received1:
			assert.FailNow("subscriber 1 received a stray message")
		case <-time.After(time.Millisecond * 50):
		}
	}
}

func TestMemoryBusQueueGroup(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	uut := GetMemoryBus(ctxt)

	lock := sync.Mutex{}
	counts := map[int]int{}
	testWG := sync.WaitGroup{}
	for idx := 0; idx < 2; idx++ {
		member := idx
		assert.Nil(uut.Subscribe(
			"unit-test.grouped", "workers", func(_ context.Context, _ string, _ []byte) error {
				lock.Lock()
				counts[member]++
				lock.Unlock()
				testWG.Done()
				return nil
			}, &wg,
		))
	}

	// Each message lands on exactly one group member
	testWG.Add(4)
	for idx := 0; idx < 4; idx++ {
		assert.Nil(uut.Publish(ctxt, "unit-test.grouped", []byte("payload")))
	}
	testWG.Wait()

	lock.Lock()
	assert.Equal(2, counts[0])
	assert.Equal(2, counts[1])
	lock.Unlock()
}
