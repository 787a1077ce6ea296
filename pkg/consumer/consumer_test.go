package consumer

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/planner"
	"meshmotion/pkg/segment"
)

func filledQueue(t *testing.T, xs ...float64) *planner.Queue {
	t.Helper()
	q, err := planner.NewQueue(16, planner.DefaultLimits())
	require.NoError(t, err)
	for _, x := range xs {
		require.NoError(t, q.Enqueue([planner.NumAxes]float64{x, 0, 0, 0}, 50, 0))
	}
	return q
}

func TestDrainRecordsInOrder(t *testing.T) {
	t.Parallel()
	q := filledQueue(t, 10, 20, 25)
	rec := &Recorder{}

	n, err := Drain(context.Background(), q, rec)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, q.MovesQueued())

	blocks := rec.Blocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, uint32(800), blocks[0].Steps[planner.X])
	assert.Equal(t, uint32(400), blocks[2].Steps[planner.X])
	for _, b := range blocks {
		assert.True(t, b.Busy())
	}
	assert.Equal(t, blocks[0].FinalRate, blocks[1].InitialRate, "junction speeds line up")
}

func TestDrainerHeartbeat(t *testing.T) {
	t.Parallel()
	q := filledQueue(t, 10, 20)
	beats := 0
	d := &Drainer{Queue: q, Sink: &Recorder{}, UntilEmpty: true, Heartbeat: func() { beats++ }}

	n, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, beats, "one per block plus the empty check")
}

func TestDrainStopsOnSinkError(t *testing.T) {
	t.Parallel()
	q := filledQueue(t, 10, 20)
	boom := stderrors.New("boom")
	calls := 0
	sink := BlockSinkFunc(func(context.Context, *planner.Block) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	n, err := Drain(context.Background(), q, sink)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.MovesQueued(), "failed block stays queued")
	assert.Equal(t, planner.StateBusy, q.State(1))
}

func TestDrainerFollowsProducer(t *testing.T) {
	t.Parallel()
	q, err := planner.NewQueue(4, planner.DefaultLimits())
	require.NoError(t, err)
	engine := segment.New(nil, nil, planner.NewProducer(q, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec := &Recorder{}
	d := &Drainer{Queue: q, Sink: rec}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 10; i++ {
			end := segment.Position{X: float64(10 * i)}
			if err := engine.MoveTo(ctx, end, 60, 0); err != nil {
				t.Errorf("move %d: %v", i, err)
				return
			}
		}
		for q.MovesQueued() > 0 && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	n, err := d.Run(ctx)
	wg.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, rec.Len())
}

func TestSerialSinkLines(t *testing.T) {
	t.Parallel()
	q := filledQueue(t, 10, 0)
	var buf bytes.Buffer
	sink := NewSerialSink(&buf)

	_, err := Drain(context.Background(), q, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, sink.Lines())
	assert.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "B t0 n800 s800,0,0,0 d0000 r800/4000/800 a240000 p32/768", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "B t0 n800 s800,0,0,0 d0001 "), lines[1])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, stderrors.New("unplugged") }

func TestSerialSinkWriteError(t *testing.T) {
	t.Parallel()
	sink := NewSerialSink(failingWriter{})
	err := sink.Execute(context.Background(), &planner.Block{})
	assert.True(t, errors.Is(err, errors.ErrTransport))
	assert.Equal(t, 0, sink.Lines())
}

func TestOpenSerialMissingPort(t *testing.T) {
	t.Parallel()
	_, err := OpenSerial("/dev/meshmotion-does-not-exist", 115200)
	assert.True(t, errors.Is(err, errors.ErrTransport))
}
