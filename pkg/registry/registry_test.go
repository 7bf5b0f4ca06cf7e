package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/relay/pkg/backend"
	"github.com/pario-ai/relay/pkg/gpu"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type span struct {
	start, end time.Time
}

// fakeBackend records loads and calls. When block is set, generation waits
// for it to close or for ctx to end.
type fakeBackend struct {
	delay   time.Duration
	block   chan struct{}
	started chan string
	loadErr error
	genErr  error

	loads   atomic.Int32
	unloads atomic.Int32

	mu    sync.Mutex
	spans map[string][]span
	kinds []string
}

func newFake() *fakeBackend {
	return &fakeBackend{spans: make(map[string][]span)}
}

func (f *fakeBackend) Load(_ context.Context, d models.ModelDescriptor) (*backend.Handle, error) {
	f.loads.Add(1)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	time.Sleep(5 * time.Millisecond)
	return &backend.Handle{Model: d, Ref: d.Name}, nil
}

func (f *fakeBackend) Unload(context.Context, *backend.Handle) error {
	f.unloads.Add(1)
	return nil
}

func (f *fakeBackend) run(ctx context.Context, h *backend.Handle, kind string) (backend.Output, error) {
	start := time.Now()
	if f.started != nil {
		f.started <- h.Model.Name
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return backend.Output{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.spans[h.Model.Name] = append(f.spans[h.Model.Name], span{start: start, end: time.Now()})
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
	if f.genErr != nil {
		return backend.Output{}, f.genErr
	}
	return backend.Output{Text: kind + " output"}, nil
}

func (f *fakeBackend) Text(ctx context.Context, h *backend.Handle, _ models.GenerationRequest) (backend.Output, error) {
	return f.run(ctx, h, "text")
}
func (f *fakeBackend) Vision(ctx context.Context, h *backend.Handle, _ models.GenerationRequest) (backend.Output, error) {
	return f.run(ctx, h, "vision")
}
func (f *fakeBackend) Image(ctx context.Context, h *backend.Handle, _ models.GenerationRequest) (backend.Output, error) {
	out, err := f.run(ctx, h, "image")
	out.ArtifactPath = "/tmp/out.png"
	return out, err
}
func (f *fakeBackend) Transcribe(ctx context.Context, h *backend.Handle, _ models.GenerationRequest) (backend.Output, error) {
	return f.run(ctx, h, "transcribe")
}
func (f *fakeBackend) Speak(ctx context.Context, h *backend.Handle, _ models.GenerationRequest) (backend.Output, error) {
	return f.run(ctx, h, "speak")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDescs() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{Name: "small", Modality: models.ModalityText, VRAMRequiredGB: 8},
		{Name: "medium", Modality: models.ModalityCode, VRAMRequiredGB: 16},
		{Name: "huge", Modality: models.ModalityText, VRAMRequiredGB: 140},
		{Name: "eyes", Modality: models.ModalityVision, VRAMRequiredGB: 4},
		{Name: "ears", Modality: models.ModalitySpeechToText, VRAMRequiredGB: 2},
	}
}

func newTestRegistry(t *testing.T, f *fakeBackend, totalGB float64, opts ...Option) *Registry {
	t.Helper()
	return New("local", testDescs(), f, gpu.NewBudget(totalGB), discard(), opts...)
}

func textReq() models.GenerationRequest {
	return models.GenerationRequest{Prompt: "hello there", Params: models.DefaultParams()}
}

func TestCanRun(t *testing.T) {
	r := newTestRegistry(t, newFake(), 80)

	assert.True(t, r.CanRun("small"))
	assert.True(t, r.CanRun("medium"))
	assert.False(t, r.CanRun("huge"), "140GB model must not fit an 80GB device")
	assert.False(t, r.CanRun("unknown"))
}

func TestGenerateLoadsLazilyOnce(t *testing.T) {
	f := newFake()
	r := newTestRegistry(t, f, 80)
	ctx := context.Background()

	assert.False(t, r.IsLoaded("small"))
	res, err := r.Generate(ctx, "small", textReq())
	require.NoError(t, err)
	assert.Equal(t, "text output", res.Text)
	assert.Equal(t, models.OutcomeOK, res.Outcome)
	assert.True(t, r.IsLoaded("small"))

	_, err = r.Generate(ctx, "small", textReq())
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.loads.Load())
}

func TestGenerateEstimatesTokens(t *testing.T) {
	r := newTestRegistry(t, newFake(), 80)
	res, err := r.Generate(context.Background(), "small", models.GenerationRequest{Prompt: "one two three"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.PromptTokens)
	assert.Equal(t, 2, res.CompletionTokens)
	assert.Equal(t, 5, res.TokensUsed)
}

func TestSameModelCallsSerialize(t *testing.T) {
	f := newFake()
	f.delay = 40 * time.Millisecond
	r := newTestRegistry(t, f, 80)

	var g errgroup.Group
	for range 3 {
		g.Go(func() error {
			_, err := r.Generate(context.Background(), "small", textReq())
			return err
		})
	}
	require.NoError(t, g.Wait())

	f.mu.Lock()
	spans := append([]span(nil), f.spans["small"]...)
	f.mu.Unlock()
	require.Len(t, spans, 3)

	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			a, b := spans[i], spans[j]
			overlap := a.start.Before(b.end) && b.start.Before(a.end)
			assert.False(t, overlap, "calls %d and %d overlapped", i, j)
		}
	}
	assert.EqualValues(t, 1, f.loads.Load(), "concurrent callers must not double-load")
}

func TestDifferentModelsRunConcurrently(t *testing.T) {
	f := newFake()
	f.block = make(chan struct{})
	f.started = make(chan string, 2)
	r := newTestRegistry(t, f, 80)

	var g errgroup.Group
	g.Go(func() error {
		_, err := r.Generate(context.Background(), "small", textReq())
		return err
	})
	g.Go(func() error {
		_, err := r.Generate(context.Background(), "medium", textReq())
		return err
	})

	seen := map[string]bool{}
	for range 2 {
		select {
		case name := <-f.started:
			seen[name] = true
		case <-time.After(2 * time.Second):
			close(f.block)
			_ = g.Wait()
			t.Fatal("second model did not start while the first was in flight")
		}
	}
	close(f.block)
	require.NoError(t, g.Wait())
	assert.True(t, seen["small"] && seen["medium"])
}

func TestInvalidInputBeforeModelAccess(t *testing.T) {
	f := newFake()
	r := newTestRegistry(t, f, 80)
	ctx := context.Background()

	_, err := r.Generate(ctx, "eyes", models.GenerationRequest{Prompt: "what is this"})
	require.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = r.Generate(ctx, "ears", models.GenerationRequest{})
	require.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = r.Generate(ctx, "small", models.GenerationRequest{Prompt: "   "})
	require.ErrorIs(t, err, models.ErrInvalidInput)

	assert.Zero(t, f.loads.Load())
	assert.False(t, r.IsLoaded("eyes"))
}

func TestModelNotFound(t *testing.T) {
	r := newTestRegistry(t, newFake(), 80)
	_, err := r.Generate(context.Background(), "nope", textReq())
	assert.ErrorIs(t, err, models.ErrModelNotFound)
	assert.ErrorIs(t, r.Load(context.Background(), "nope"), models.ErrModelNotFound)
	assert.ErrorIs(t, r.Unload(context.Background(), "nope"), models.ErrModelNotFound)
}

func TestCancelledWaiterGivesUp(t *testing.T) {
	f := newFake()
	f.block = make(chan struct{})
	f.started = make(chan string, 4)
	r := newTestRegistry(t, f, 80)

	var g errgroup.Group
	g.Go(func() error {
		_, err := r.Generate(context.Background(), "small", textReq())
		return err
	})
	<-f.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Generate(ctx, "small", textReq())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(f.block)
	require.NoError(t, g.Wait())

	_, err = r.Generate(context.Background(), "small", textReq())
	require.NoError(t, err, "lock must be free after the holder finished")
}

func TestCancellationDuringGenerationReleasesLock(t *testing.T) {
	f := newFake()
	f.block = make(chan struct{})
	f.started = make(chan string, 4)
	r := newTestRegistry(t, f, 80)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Generate(ctx, "small", textReq())
		errCh <- err
	}()
	<-f.started
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, models.ErrBackendFailure)
	require.ErrorIs(t, err, context.Canceled)

	close(f.block)
	_, err = r.Generate(context.Background(), "small", textReq())
	require.NoError(t, err)
}

func TestTimeoutOption(t *testing.T) {
	f := newFake()
	f.block = make(chan struct{})
	defer close(f.block)
	r := newTestRegistry(t, f, 80, WithTimeout(20*time.Millisecond))

	_, err := r.Generate(context.Background(), "small", textReq())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackendFailurePropagates(t *testing.T) {
	f := newFake()
	f.genErr = errors.New("cuda oom")
	r := newTestRegistry(t, f, 80)

	_, err := r.Generate(context.Background(), "small", textReq())
	require.ErrorIs(t, err, models.ErrBackendFailure)
	assert.Contains(t, err.Error(), "cuda oom")
	assert.Len(t, f.spans["small"], 1, "failures are not retried")
}

func TestLoadFailureReleasesVRAM(t *testing.T) {
	f := newFake()
	f.loadErr = errors.New("weights missing")
	vram := gpu.NewBudget(80)
	r := New("local", testDescs(), f, vram, discard())

	err := r.Load(context.Background(), "medium")
	require.ErrorIs(t, err, models.ErrBackendFailure)
	assert.False(t, r.IsLoaded("medium"))
	assert.Zero(t, vram.ReservedGB())
}

func TestVRAMReservation(t *testing.T) {
	f := newFake()
	vram := gpu.NewBudget(20)
	r := New("local", testDescs(), f, vram, discard())
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, "medium"))
	assert.InDelta(t, 16, vram.ReservedGB(), 0.01)

	assert.True(t, r.CanRun("small"), "CanRun stays advisory")
	err := r.Load(ctx, "small")
	require.ErrorIs(t, err, models.ErrInsufficientVRAM)

	require.NoError(t, r.Unload(ctx, "medium"))
	assert.False(t, r.IsLoaded("medium"))
	assert.Zero(t, vram.ReservedGB())
	assert.EqualValues(t, 1, f.unloads.Load())

	require.NoError(t, r.Load(ctx, "small"))
}

func TestUnloadNotLoadedIsNoop(t *testing.T) {
	f := newFake()
	r := newTestRegistry(t, f, 80)
	require.NoError(t, r.Unload(context.Background(), "small"))
	assert.Zero(t, f.unloads.Load())
}

func TestEveryModalityHasAHandler(t *testing.T) {
	var descs []models.ModelDescriptor
	for _, m := range models.Modalities() {
		descs = append(descs, models.ModelDescriptor{Name: string(m), Modality: m})
	}
	f := newFake()
	r := New("local", descs, f, gpu.NewBudget(80), discard())

	req := models.GenerationRequest{Prompt: "go", Images: []string{"a.png"}, Audio: "a.wav"}
	for _, m := range models.Modalities() {
		res, err := r.Generate(context.Background(), string(m), req)
		require.NoError(t, err, "modality %s", m)
		assert.NotEmpty(t, res.Text)
	}
	assert.Equal(t, []string{"text", "text", "vision", "image", "transcribe", "speak"}, f.kinds)
}

func TestStatusAndClose(t *testing.T) {
	f := newFake()
	r := newTestRegistry(t, f, 80)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, "small"))
	require.NoError(t, r.Load(ctx, "eyes"))

	st := r.Status(models.ProviderLocal)
	require.Len(t, st, 5)
	byName := map[string]models.ModelStatus{}
	for _, s := range st {
		byName[s.Name] = s
	}
	assert.True(t, byName["small"].Loaded)
	assert.False(t, byName["medium"].Loaded)
	assert.False(t, byName["huge"].CanRun)
	assert.Equal(t, models.ProviderLocal, byName["eyes"].Provider)

	require.NoError(t, r.Close(ctx))
	assert.EqualValues(t, 2, f.unloads.Load())
	assert.False(t, r.IsLoaded("small"))
}
