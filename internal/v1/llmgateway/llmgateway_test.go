package llmgateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	text     string
	usage    *Usage
	err      error
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (s *stubClient) Chat(ctx context.Context, prompt string, params Params) (string, *Usage, error) {
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.text, s.usage, s.err
}

func TestGateway_Call_Success(t *testing.T) {
	client := &stubClient{text: "<answer>1</answer>"}
	gw := New(client, 4)

	text, usage, err := gw.Call(context.Background(), "prompt", Params{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "<answer>1</answer>", text)
	assert.Nil(t, usage)
}

func TestGateway_Call_PropagatesProviderError(t *testing.T) {
	client := &stubClient{err: errors.New("provider timeout")}
	gw := New(client, 4)

	_, _, err := gw.Call(context.Background(), "prompt", Params{Model: "test-model"})
	require.Error(t, err)
}

func TestGateway_Call_ConcurrencyLimited(t *testing.T) {
	client := &stubClient{text: "ok", delay: 30 * time.Millisecond}
	gw := New(client, 2)

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _, _ = gw.Call(context.Background(), "p", Params{Model: "m"})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&client.maxSeen), int32(2))
}

func TestGateway_Call_RespectsContextCancellation(t *testing.T) {
	client := &stubClient{text: "ok", delay: 100 * time.Millisecond}
	gw := New(client, 1)

	// Occupy the only slot so the second call must wait on the semaphore.
	started := make(chan struct{})
	go func() {
		close(started)
		_, _, _ = gw.Call(context.Background(), "p", Params{Model: "m"})
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, _, err := gw.Call(ctx, "p", Params{Model: "m"})
	assert.Error(t, err)
}
