package journal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/rpc"
)

type indexer struct {
	mu       sync.Mutex
	received []uint64
	requests int
	failures int          // answer this many requests with failCode first
	failCode connect.Code // defaults to CodeUnavailable
	reject   connect.Code // answer every request with this code when set
	lag      uint64       // acknowledge this many sequences fewer than received
}

func (ix *indexer) IngestEvents(_ context.Context, req *connect.Request[rpc.IngestEventsRequest]) (*connect.Response[rpc.IngestEventsResponse], error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.requests++

	if ix.failures > 0 {
		ix.failures--
		code := ix.failCode
		if code == 0 {
			code = connect.CodeUnavailable
		}
		return nil, connect.NewError(code, errors.New("indexer busy"))
	}
	if ix.reject != 0 {
		return nil, connect.NewError(ix.reject, errors.New("bad batch"))
	}

	var last uint64
	for _, ev := range req.Msg.Events {
		ix.received = append(ix.received, ev.Sequence)
		last = ev.Sequence
	}
	return connect.NewResponse(&rpc.IngestEventsResponse{LastSequence: last - ix.lag}), nil
}

func (ix *indexer) sequences() []uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return append([]uint64(nil), ix.received...)
}

func (ix *indexer) calls() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.requests
}

func startIndexer(t *testing.T, ix *indexer) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(rpc.NewIndexerServiceHandler(ix))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func fastConfig(url string) ForwarderConfig {
	cfg := DefaultForwarderConfig(url)
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.BatchSize = 4
	cfg.RetryBackoff = BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxTries:        5,
	}
	return cfg
}

func TestForwarder_Flush(t *testing.T) {
	ctx := context.Background()
	ix := &indexer{}
	url := startIndexer(t, ix)

	cfg := testConfig(t)
	j, err := Open(cfg)
	require.NoError(t, err)
	defer j.Close()
	appendN(t, j, 1, 6)

	f, err := NewForwarder(j, fastConfig(url))
	require.NoError(t, err)

	n, err := f.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint64(4), f.Sent())

	n, err = f.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, ix.sequences())

	t.Run("cursor survives restart", func(t *testing.T) {
		f2, err := NewForwarder(j, fastConfig(url))
		require.NoError(t, err)
		assert.Equal(t, uint64(6), f2.Sent())

		appendN(t, j, 7, 7)
		n, err := f2.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, ix.sequences())
	})
}

func TestForwarder_RetriesUnavailable(t *testing.T) {
	ix := &indexer{failures: 2}
	url := startIndexer(t, ix)

	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()
	appendN(t, j, 1, 2)

	f, err := NewForwarder(j, fastConfig(url))
	require.NoError(t, err)

	n, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, ix.calls())
	assert.Equal(t, []uint64{1, 2}, ix.sequences())
}

func TestForwarder_RejectedBatchIsNotRetried(t *testing.T) {
	ix := &indexer{reject: connect.CodeInvalidArgument}
	url := startIndexer(t, ix)

	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()
	appendN(t, j, 1, 1)

	f, err := NewForwarder(j, fastConfig(url))
	require.NoError(t, err)

	_, err = f.Flush(context.Background())
	require.ErrorContains(t, err, "indexer rejected batch")
	assert.Equal(t, 1, ix.calls())
	assert.Zero(t, f.Sent())
}

func TestForwarder_RetriesResourceExhausted(t *testing.T) {
	ix := &indexer{failures: 1, failCode: connect.CodeResourceExhausted}
	url := startIndexer(t, ix)

	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()
	appendN(t, j, 1, 3)

	f, err := NewForwarder(j, fastConfig(url))
	require.NoError(t, err)

	n, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, ix.calls())
}

func TestForwarder_ShortAcknowledgementIsNotRetried(t *testing.T) {
	ix := &indexer{lag: 1}
	url := startIndexer(t, ix)

	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()
	appendN(t, j, 1, 2)

	f, err := NewForwarder(j, fastConfig(url))
	require.NoError(t, err)

	_, err = f.Flush(context.Background())
	require.ErrorContains(t, err, "indexer acknowledged sequence 1, batch ends at 2")
	assert.Equal(t, 1, ix.calls())
	assert.Zero(t, f.Sent())
}

func TestForwarder_UnreachableIndexerGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()
	appendN(t, j, 1, 1)

	f, err := NewForwarder(j, fastConfig(url))
	require.NoError(t, err)

	_, err = f.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
	assert.Zero(t, f.Sent())
}

type senderFunc func(ctx context.Context, batch []events.Event) error

func (f senderFunc) Send(ctx context.Context, batch []events.Event) error { return f(ctx, batch) }

func TestForwarder_CustomSender(t *testing.T) {
	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()
	appendN(t, j, 1, 2)

	var got []uint64
	cfg := fastConfig("")
	cfg.Sender = senderFunc(func(_ context.Context, batch []events.Event) error {
		for _, ev := range batch {
			got = append(got, ev.Sequence)
		}
		return nil
	})

	f, err := NewForwarder(j, cfg)
	require.NoError(t, err)

	n, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{connect.NewError(connect.CodeUnavailable, errors.New("down")), true},
		{connect.NewError(connect.CodeResourceExhausted, errors.New("slow down")), true},
		{connect.NewError(connect.CodeAborted, errors.New("conflict")), true},
		{connect.NewError(connect.CodeDeadlineExceeded, errors.New("timeout")), true},
		{connect.NewError(connect.CodeInvalidArgument, errors.New("bad")), false},
		{connect.NewError(connect.CodePermissionDenied, errors.New("denied")), false},
		{errors.New("plain"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, retryable(tt.err), tt.err.Error())
	}
}

func TestForwarder_StartStop(t *testing.T) {
	ix := &indexer{}
	url := startIndexer(t, ix)

	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()

	f, err := NewForwarder(j, fastConfig(url))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	appendN(t, j, 1, 9)

	require.Eventually(t, func() bool {
		return f.Sent() == 9
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, f.Stop(stopCtx))
	require.NoError(t, f.Stop(stopCtx))

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9}, ix.sequences())
}

func TestNewForwarder_RequiresURL(t *testing.T) {
	j, err := Open(testConfig(t))
	require.NoError(t, err)
	defer j.Close()

	_, err = NewForwarder(j, ForwarderConfig{})
	require.Error(t, err)
}
