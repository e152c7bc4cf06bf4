package streammgr

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbo-violence/internal/classifier"
	"orbo-violence/internal/framesource"
	"orbo-violence/internal/model"
	"orbo-violence/internal/pipeline"
	"orbo-violence/internal/store"
)

// blockingDecoder emits nothing and holds the "connection" open until
// the source is stopped.
type blockingDecoder struct{}

func (blockingDecoder) Run(ctx context.Context, _ func([]byte, uint64) error) error {
	<-ctx.Done()
	return nil
}

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, []*model.FramePacket) (classifier.Result, error) {
	return classifier.Result{ViolenceScore: 0.1, NonViolenceScore: 0.9}, nil
}
func (stubClassifier) Healthy() bool { return true }
func (stubClassifier) Close() error  { return nil }

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	deps := pipeline.Deps{
		Classifier: stubClassifier{},
		Store:      st,
		Log:        zerolog.Nop(),
	}
	decoders := func(model.StreamConfig) framesource.Decoder { return blockingDecoder{} }
	m := New(deps, Defaults{}, decoders, zerolog.Nop())
	t.Cleanup(m.StopAll)
	return m, st
}

func TestAddStream_PersistsAndRoundTrips(t *testing.T) {
	m, st := newTestManager(t)

	id, err := m.AddStream(AddParams{Name: "Lobby", URL: "rtsp://cam/live"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cfg, err := st.GetStream(id)
	require.NoError(t, err)
	assert.Equal(t, "Lobby", cfg.Name)
	assert.Equal(t, model.StreamTypeRTSP, cfg.StreamType)
	assert.Equal(t, 5, cfg.TargetFPS)
	assert.Equal(t, model.Resolution{Width: 640, Height: 360}, cfg.Resize)
}

func TestAddStream_RequiresNameAndURL(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.AddStream(AddParams{URL: "rtsp://cam/live"})
	require.Error(t, err)
}

func TestStartStop_Lifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.AddStream(AddParams{Name: "Lobby", URL: "rtsp://cam/live"})
	require.NoError(t, err)

	st, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, m.StartStream(id))
	st, err = m.GetStatus(id)
	require.NoError(t, err)
	assert.True(t, st.Running)

	// at most one running graph per stream id
	require.ErrorIs(t, m.StartStream(id), ErrAlreadyRunning)

	require.NoError(t, m.StopStream(id))
	require.ErrorIs(t, m.StopStream(id), ErrNotRunning)

	st, err = m.GetStatus(id)
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestStartStream_UnknownID(t *testing.T) {
	m, _ := newTestManager(t)
	require.ErrorIs(t, m.StartStream("nope"), ErrStreamNotFound)
}

func TestRemoveStream_StopsAndDeletes(t *testing.T) {
	m, st := newTestManager(t)
	id, err := m.AddStream(AddParams{Name: "Lobby", URL: "rtsp://cam/live", AutoStart: true})
	require.NoError(t, err)

	require.NoError(t, m.RemoveStream(id))
	assert.Equal(t, 0, m.Count())

	_, err = st.GetStream(id)
	require.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestUpdateStream_AppliesFieldChanges(t *testing.T) {
	m, st := newTestManager(t)
	id, err := m.AddStream(AddParams{Name: "Lobby", URL: "rtsp://cam/live"})
	require.NoError(t, err)

	name := "Lobby East"
	threshold := float32(0.75)
	cfg, err := m.UpdateStream(id, UpdateParams{Name: &name, CustomThreshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, "Lobby East", cfg.Name)
	require.NotNil(t, cfg.CustomThreshold)
	assert.Equal(t, threshold, *cfg.CustomThreshold)

	persisted, err := st.GetStream(id)
	require.NoError(t, err)
	assert.Equal(t, "Lobby East", persisted.Name)
}

func TestUpdateStream_URLChangeOnStoppedStreamStaysStopped(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.AddStream(AddParams{Name: "Lobby", URL: "rtsp://cam/a"})
	require.NoError(t, err)

	url := "rtmp://cam/b"
	cfg, err := m.UpdateStream(id, UpdateParams{URL: &url})
	require.NoError(t, err)
	assert.Equal(t, model.StreamTypeRTMP, cfg.StreamType)

	st, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestLoadPersisted_CreatesLazyEntries(t *testing.T) {
	m, st := newTestManager(t)
	id, err := m.AddStream(AddParams{Name: "Lobby", URL: "rtsp://cam/live"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateStreamStatus(id, true, model.PhaseConnected, nil, ""))

	deps := pipeline.Deps{Classifier: stubClassifier{}, Store: st, Log: zerolog.Nop()}
	m2 := New(deps, Defaults{}, func(model.StreamConfig) framesource.Decoder { return blockingDecoder{} }, zerolog.Nop())
	require.NoError(t, m2.LoadPersisted())
	t.Cleanup(m2.StopAll)

	assert.Equal(t, 1, m2.Count())
	status, err := m2.GetStatus(id)
	require.NoError(t, err)
	assert.False(t, status.Running, "persisted streams reload as lazy entries")
}

func TestDetectStreamType(t *testing.T) {
	cases := []struct {
		url  string
		want model.StreamType
	}{
		{"rtsp://cam/live", model.StreamTypeRTSP},
		{"rtmp://cam/live", model.StreamTypeRTMP},
		{"/dev/video0", model.StreamTypeWebcam},
		{"0", model.StreamTypeWebcam},
		{"/var/media/sample.mp4", model.StreamTypeFile},
		{"http://cam/stream.m3u8", model.StreamTypeFile},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DetectStreamType(c.url), c.url)
	}
}
