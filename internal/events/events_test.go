package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ err error }

func (f failingSink) Name() string                         { return "broken" }
func (f failingSink) Publish(context.Context, Event) error { return f.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	f := NewFanout(time.Second, quietLogger(), a, nil, b)

	require.NoError(t, f.Publish(context.Background(), Event{ID: "e1", Type: PositionOpened}))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestFanout_CollectsFailures(t *testing.T) {
	rec := &Recorder{}
	f := NewFanout(0, quietLogger(), failingSink{err: errors.New("down")}, rec)

	err := f.Publish(context.Background(), Event{ID: "e1", Type: WithdrawalRequested})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sink(s) failed")
	assert.Contains(t, err.Error(), "broken: down")
	assert.Len(t, rec.Events(), 1, "healthy sinks still receive the event")
}

func TestFanout_NoSinks(t *testing.T) {
	f := NewFanout(time.Second, quietLogger())
	assert.NoError(t, f.Publish(context.Background(), Event{ID: "e1"}))
}

func TestRecorder_FilterByType(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	_ = rec.Publish(ctx, Event{ID: "1", Type: ContributionRecorded})
	_ = rec.Publish(ctx, Event{ID: "2", Type: PositionSettled})
	_ = rec.Publish(ctx, Event{ID: "3", Type: PositionSettled})

	assert.Len(t, rec.Events(), 3)
	assert.Len(t, rec.Events(PositionSettled), 2)
	assert.Len(t, rec.Events(ContributionRecorded, PositionSettled), 3)
	assert.Empty(t, rec.Events(WithdrawalResolved))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "pool.ledger.events.position.settled", Subject(PositionSettled))
}

type fakePutter struct {
	keys   []string
	bodies []string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, string(data))
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_OnlySettlements(t *testing.T) {
	put := &fakePutter{}
	a := newS3Archiver(put, "archive", "pool/")
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Publish(ctx, Event{ID: "e1", Type: PositionOpened, PositionID: "p1", At: at}))
	require.NoError(t, a.Publish(ctx, Event{ID: "e2", Type: PositionSettled, PositionID: "p1", At: at}))

	require.Len(t, put.keys, 1)
	assert.Equal(t, "pool/settlements/p1/20250301T120000.000000000Z-e2.json", put.keys[0])
	assert.True(t, strings.Contains(put.bodies[0], `"type": "position.settled"`))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}
