package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GGPrompts/chatbridge/config"
	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
	"github.com/GGPrompts/chatbridge/internal/backend/mock"
	"github.com/GGPrompts/chatbridge/internal/genstate"
	"github.com/GGPrompts/chatbridge/internal/logstore"
	"github.com/GGPrompts/chatbridge/internal/procreg"
)

func testConfig() *config.Config {
	return &config.Config{
		ProbeTimeout:     time.Second,
		GenerateTimeout:  10 * time.Second,
		IdleSessionAge:   time.Minute,
		StaleGeneration:  time.Minute,
		RecoveryInterval: 10 * time.Millisecond,
		RecoveryMaxWait:  2 * time.Second,
	}
}

// stubAdapter is a scriptable backend for exercising the orchestrator.
type stubAdapter struct {
	name   string
	stream func(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error)
}

func (a *stubAdapter) Name() string                    { return a.name }
func (a *stubAdapter) Probe(ctx context.Context) error { return nil }
func (a *stubAdapter) Stream(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
	return a.stream(ctx, req, emit)
}

func newTestService(t *testing.T, adapters ...backend.Adapter) *Service {
	t.Helper()
	logs, err := logstore.New(t.TempDir())
	require.NoError(t, err)

	state, err := genstate.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	if len(adapters) == 0 {
		adapters = []backend.Adapter{mock.NewWithDelay(time.Microsecond)}
	}
	return New(testConfig(), logs, state, backend.NewRegistry(adapters...), procreg.New(), nil, nil, domain.ChatSettings{})
}

func claimState(t *testing.T, svc *Service, conversationID, backend string) {
	t.Helper()
	claimed, err := svc.state.Claim(context.Background(), conversationID, backend)
	require.NoError(t, err)
	require.True(t, claimed)
}

func collectSink(mu *sync.Mutex, frags *[]domain.Fragment) Sink {
	return func(f domain.Fragment) error {
		mu.Lock()
		defer mu.Unlock()
		*frags = append(*frags, f)
		return nil
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	svc := newTestService(t)

	var mu sync.Mutex
	var frags []domain.Fragment
	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1",
		Content:        "what is 2+2?",
		Backend:        "mock",
	}, collectSink(&mu, &frags))
	require.NoError(t, err)

	// Streamed content concatenates to the persisted message.
	var streamed string
	for _, f := range frags {
		streamed += f.Content
	}
	assert.Equal(t, "2+2 equals 4.", streamed)
	require.NotEmpty(t, frags)
	assert.True(t, frags[len(frags)-1].Done)

	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleUser, messages[0].Role)
	assert.Equal(t, "what is 2+2?", messages[0].Content)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
	assert.Equal(t, "2+2 equals 4.", messages[1].Content)
	assert.Equal(t, "mock", messages[1].Backend)

	// Flag cleared after completion.
	active, err := svc.state.IsActive(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestGenerateValidation(t *testing.T) {
	svc := newTestService(t)
	sink := func(domain.Fragment) error { return nil }

	err := svc.Generate(context.Background(), domain.ChatRequest{Content: "hi"}, sink)
	assert.Error(t, err)

	err = svc.Generate(context.Background(), domain.ChatRequest{ConversationID: "c"}, sink)
	assert.Error(t, err)
}

func TestGenerateUnknownBackend(t *testing.T) {
	svc := newTestService(t)
	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1",
		Content:        "hi",
		Backend:        "no-such-engine",
	}, func(domain.Fragment) error { return nil })
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindNotAvailable, domain.KindOf(err))
}

func TestGenerateEmptyBackendUsesFallback(t *testing.T) {
	svc := newTestService(t)
	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1",
		Content:        "hello",
	}, func(domain.Fragment) error { return nil })
	require.NoError(t, err)

	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, backend.FallbackName, messages[1].Backend)
}

func TestGenerateDuplicateRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &stubAdapter{
		name: "slow",
		stream: func(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
			close(started)
			<-release
			return &backend.Result{Text: "done"}, nil
		},
	}
	svc := newTestService(t, blocking)

	errc := make(chan error, 1)
	go func() {
		errc <- svc.Generate(context.Background(), domain.ChatRequest{
			ConversationID: "conv-1", Content: "first", Backend: "slow",
		}, func(domain.Fragment) error { return nil })
	}()
	<-started

	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "second", Backend: "slow",
	}, func(domain.Fragment) error { return nil })
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindDuplicateRequest, domain.KindOf(err))

	close(release)
	require.NoError(t, <-errc)
}

func TestGenerateConcurrentSubmitsExactlyOneProceeds(t *testing.T) {
	release := make(chan struct{})
	blocking := &stubAdapter{
		name: "slow",
		stream: func(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
			<-release
			return &backend.Result{Text: "done"}, nil
		},
	}
	svc := newTestService(t, blocking)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Generate(context.Background(), domain.ChatRequest{
				ConversationID: "conv-1", Content: "same content", Backend: "slow",
			}, func(domain.Fragment) error { return nil })
		}()
	}

	// Losers return immediately; the winner blocks on the adapter.
	var rejected int
	for rejected < n-1 {
		err := <-errs
		require.Error(t, err)
		assert.Equal(t, domain.ErrKindDuplicateRequest, domain.KindOf(err))
		rejected++
	}

	close(release)
	require.NoError(t, <-errs)
	wg.Wait()

	// Exactly one user and one assistant message; the rejected submits
	// appended nothing.
	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
}

func TestGenerateRejectsWhenFlagHeldElsewhere(t *testing.T) {
	svc := newTestService(t)

	// Another orchestrator sharing the database already holds the durable
	// flag; the in-process guard alone would let this submit through.
	claimState(t, svc, "conv-1", "mock")

	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "hello", Backend: "mock",
	}, func(domain.Fragment) error { return nil })
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindDuplicateRequest, domain.KindOf(err))

	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	// The foreign claim is untouched by the rejected submit.
	active, err := svc.state.IsActive(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestGenerateStopPersistsTruncatedPartial(t *testing.T) {
	started := make(chan struct{})
	partial := &stubAdapter{
		name: "slow",
		stream: func(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
			_ = emit("partial ")
			close(started)
			<-ctx.Done()
			return &backend.Result{Text: "partial "},
				domain.NewEngineError(domain.ErrKindCancelled, "slow", "generation cancelled", ctx.Err())
		},
	}
	svc := newTestService(t, partial)

	errc := make(chan error, 1)
	go func() {
		errc <- svc.Generate(context.Background(), domain.ChatRequest{
			ConversationID: "conv-1", Content: "go", Backend: "slow",
		}, func(domain.Fragment) error { return nil })
	}()
	<-started

	assert.True(t, svc.Stop(context.Background(), "conv-1"))

	err := <-errc
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindCancelled, domain.KindOf(err))

	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "partial ", messages[1].Content)
	require.NotNil(t, messages[1].Metadata)
	assert.True(t, messages[1].Metadata.Truncated)

	active, err := svc.state.IsActive(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestGenerateFailurePersistsSyntheticMessage(t *testing.T) {
	failing := &stubAdapter{
		name: "broken",
		stream: func(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
			return nil, domain.NewEngineError(domain.ErrKindProcessFailure, "broken", "engine exploded", nil)
		},
	}
	svc := newTestService(t, failing)

	var mu sync.Mutex
	var frags []domain.Fragment
	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "go", Backend: "broken",
	}, collectSink(&mu, &frags))
	require.Error(t, err)

	messages, merr := svc.Messages("conv-1")
	require.NoError(t, merr)
	require.Len(t, messages, 2)
	require.NotNil(t, messages[1].Metadata)
	assert.True(t, messages[1].Metadata.Error)
	assert.Contains(t, messages[1].Content, "engine exploded")

	require.NotEmpty(t, frags)
	last := frags[len(frags)-1]
	assert.True(t, last.Done)
	assert.NotEmpty(t, last.Error)
}

func TestGenerateContinuesAfterClientDetach(t *testing.T) {
	svc := newTestService(t)

	calls := 0
	sink := func(domain.Fragment) error {
		calls++
		if calls > 1 {
			return context.Canceled
		}
		return nil
	}

	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "hello", Backend: "mock",
	}, sink)
	require.NoError(t, err)

	// The full result still landed in the log.
	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.NotEmpty(t, messages[1].Content)
}

func TestRecoverReturnsPersistedMessage(t *testing.T) {
	svc := newTestService(t)

	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "what is 2+2?", Backend: "mock",
	}, func(domain.Fragment) error { return context.Canceled })
	require.NoError(t, err)

	msg, err := svc.Recover(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "2+2 equals 4.", msg.Content)

	// Idempotent: a second recover returns the same stored message.
	again, err := svc.Recover(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.MessageID, again.MessageID)
}

func TestRecoverReconstructsFromCapture(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// A generation that finished while no client was attached: the flag is
	// still set, the handle holds the captured output, nothing was persisted.
	_, err := svc.logs.Append("conv-1", domain.Message{Role: domain.RoleUser, Content: "question"})
	require.NoError(t, err)
	claimState(t, svc, "conv-1", "mock")

	h, _, err := svc.procs.GetOrCreate("conv-1", func() (*procreg.Handle, error) {
		return procreg.NewHandle("conv-1", "mock"), nil
	})
	require.NoError(t, err)
	_, err = h.Capture().Write([]byte("answer from capture"))
	require.NoError(t, err)
	h.MarkDone(nil)

	msg, err := svc.Recover(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "answer from capture", msg.Content)
	require.NotNil(t, msg.Metadata)
	assert.True(t, msg.Metadata.Recovered)

	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	active, err := svc.state.IsActive(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRecoverDedupesAgainstLogTail(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.logs.Append("conv-1", domain.Message{Role: domain.RoleUser, Content: "question"})
	require.NoError(t, err)
	stored, err := svc.logs.Append("conv-1", domain.Message{Role: domain.RoleAssistant, Backend: "mock", Content: "the answer"})
	require.NoError(t, err)

	// The flag survived a crash but the result had already been persisted.
	claimState(t, svc, "conv-1", "mock")
	h, _, err := svc.procs.GetOrCreate("conv-1", func() (*procreg.Handle, error) {
		return procreg.NewHandle("conv-1", "mock"), nil
	})
	require.NoError(t, err)
	_, err = h.Capture().Write([]byte("the answer"))
	require.NoError(t, err)
	h.MarkDone(nil)

	msg, err := svc.Recover(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, stored.MessageID, msg.MessageID)

	// Log length unchanged.
	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	active, err := svc.state.IsActive(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRecoverNoProcess(t *testing.T) {
	svc := newTestService(t)
	claimState(t, svc, "conv-1", "mock")

	_, err := svc.Recover(context.Background(), "conv-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindRecoveryFailed, domain.KindOf(err))

	// The stale flag was cleared so the conversation is usable again.
	active, err := svc.state.IsActive(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRecoverNothingInFlight(t *testing.T) {
	svc := newTestService(t)
	msg, err := svc.Recover(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestStopNothingRunning(t *testing.T) {
	svc := newTestService(t)
	assert.False(t, svc.Stop(context.Background(), "conv-1"))
}

func TestReconcile(t *testing.T) {
	svc := newTestService(t)

	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "hello", Backend: "mock",
	}, func(domain.Fragment) error { return nil })
	require.NoError(t, err)

	all, err := svc.Reconcile(context.Background(), "conv-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	tail, err := svc.Reconcile(context.Background(), "conv-1", all[0].MessageID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, domain.RoleAssistant, tail[0].Role)
}

func TestReconcileSkippedWhileActive(t *testing.T) {
	svc := newTestService(t)
	claimState(t, svc, "conv-1", "mock")

	messages, err := svc.Reconcile(context.Background(), "conv-1", "")
	require.NoError(t, err)
	assert.Nil(t, messages)
}

func TestProcessStatus(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, domain.ProcessStatus{}, svc.ProcessStatus("conv-1"))

	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "hello", Backend: "mock",
	}, func(domain.Fragment) error { return nil })
	require.NoError(t, err)

	status := svc.ProcessStatus("conv-1")
	assert.True(t, status.HasProcess)
	assert.False(t, status.Running)
}

func TestDeleteConversationClearsEverything(t *testing.T) {
	svc := newTestService(t)

	err := svc.Generate(context.Background(), domain.ChatRequest{
		ConversationID: "conv-1", Content: "hello", Backend: "mock",
	}, func(domain.Fragment) error { return nil })
	require.NoError(t, err)

	require.NoError(t, svc.DeleteConversation(context.Background(), "conv-1"))

	messages, err := svc.Messages("conv-1")
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, domain.ProcessStatus{}, svc.ProcessStatus("conv-1"))
}
