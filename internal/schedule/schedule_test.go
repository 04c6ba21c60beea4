package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-monitor/internal/model"
)

type countingRunner struct {
	calls atomic.Int32
	block chan struct{}
}

func (r *countingRunner) RunCycle(_ context.Context, desc model.APIDescriptor, date string) ([]model.PageResult, error) {
	r.calls.Add(1)
	if r.block != nil {
		<-r.block
	}
	return []model.PageResult{{API: desc.Name, Page: 1, Status: model.PageStatusSuccess}}, nil
}

func desc(name, spec string) model.APIDescriptor {
	return model.APIDescriptor{Name: name, URL: "https://push2.example.com/api", Cron: spec}
}

func TestParseSpec(t *testing.T) {
	assert.NoError(t, ParseSpec("*/5 9-15 * * 1-5"))
	assert.NoError(t, ParseSpec("0 */5 9-15 * * 1-5"))
	assert.NoError(t, ParseSpec("@hourly"))
	assert.Error(t, ParseSpec("every five minutes"))
	assert.Error(t, ParseSpec("61 * * * *"))
}

func TestAddAll(t *testing.T) {
	s := New(&countingRunner{}, time.FixedZone("UTC+8", 8*3600))

	n, err := s.AddAll([]model.APIDescriptor{
		desc("stocks", "*/5 9-15 * * 1-5"),
		desc("manual", ""),
		desc("index", "@every 1m"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "index", entries[0].API)
	assert.Equal(t, "stocks", entries[1].API)
	assert.Equal(t, "*/5 9-15 * * 1-5", entries[1].Spec)
}

func TestAdd_Errors(t *testing.T) {
	s := New(&countingRunner{}, nil)

	_, err := s.Add(desc("bad", "not a spec"))
	assert.Error(t, err)

	added, err := s.Add(desc("stocks", "@hourly"))
	require.NoError(t, err)
	assert.True(t, added)

	_, err = s.Add(desc("stocks", "@daily"))
	assert.Error(t, err)
}

func TestScheduler_RunsJobs(t *testing.T) {
	r := &countingRunner{}
	s := New(r, time.UTC)
	_, err := s.Add(desc("stocks", "* * * * * *"))
	require.NoError(t, err)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_SkipsWhileRunning(t *testing.T) {
	r := &countingRunner{block: make(chan struct{})}
	s := New(r, time.UTC)
	_, err := s.Add(desc("stocks", "* * * * * *"))
	require.NoError(t, err)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	// Further ticks are skipped while the first cycle is blocked.
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())

	close(r.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
