package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	guard "github.com/tandem-chat/tandem/internal/application/boundary"
	"github.com/tandem-chat/tandem/internal/application/longpoll"
	"github.com/tandem-chat/tandem/internal/domain/boundary"
	"github.com/tandem-chat/tandem/internal/domain/message"
	"github.com/tandem-chat/tandem/internal/domain/message/mocks"
	"github.com/tandem-chat/tandem/internal/domain/session"
	"github.com/tandem-chat/tandem/internal/infrastructure/memstore"
)

type noopCipher struct{}

func (noopCipher) EncryptField(_ context.Context, _ uuid.UUID, plaintext string) (string, error) {
	return plaintext, nil
}

func (noopCipher) DecryptField(_ context.Context, _ uuid.UUID, ciphertext string) (string, error) {
	return ciphertext, nil
}

type fixture struct {
	svc        *Service
	store      *memstore.Store
	dispatcher *longpoll.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	g, err := guard.NewGuard(guard.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	d := longpoll.NewDispatcher(longpoll.DefaultConfig(), zerolog.Nop())
	t.Cleanup(d.Stop)
	svc := NewService(store.Sessions(), store.Messages(), store.Audits(), g, d, noopCipher{}, zerolog.Nop())
	return &fixture{svc: svc, store: store, dispatcher: d}
}

func (f *fixture) coupleSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), CreateSessionInput{
		Mode:   session.ModeCouple,
		PartyA: "alice",
		PartyB: "ben",
	})
	require.NoError(t, err)
	return sess
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    CreateSessionInput
		field string
	}{
		{"unknown mode", CreateSessionInput{Mode: "GROUP", PartyA: "a"}, "mode"},
		{"missing party A", CreateSessionInput{Mode: session.ModeCouple, PartyB: "b"}, "partyA"},
		{"missing party B", CreateSessionInput{Mode: session.ModeCouple, PartyA: "a"}, "partyB"},
		{"same participant twice", CreateSessionInput{Mode: session.ModeCouple, PartyA: "a", PartyB: "a"}, "partyB"},
		{"solo with party B", CreateSessionInput{Mode: session.ModeSolo, PartyA: "a", PartyB: "b"}, "partyB"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateSession(ctx, tc.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	sess, err := f.svc.CreateSession(ctx, CreateSessionInput{Mode: session.ModeSolo, PartyA: "a"})
	require.NoError(t, err)
	assert.Equal(t, session.TurnAiReflect, sess.TurnState)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSendMessageFullTurnCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	_, state, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "I felt unheard yesterday", ClientMessageID: "a-1",
	})
	require.NoError(t, err)
	assert.Equal(t, session.TurnAwaitingB, state)

	_, state, err = f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyB,
		Content: "I did not realize that", ClientMessageID: "b-1",
	})
	require.NoError(t, err)
	assert.Equal(t, session.TurnAiReflect, state)

	_, state, err = f.svc.CompleteReflection(ctx, sess.ID, "both of you named a need", "")
	require.NoError(t, err)
	assert.Equal(t, session.TurnAwaitingA, state)
}

func TestSendMessageTurnViolation(t *testing.T) {
	f := newFixture(t)
	sess := f.coupleSession(t)

	_, _, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyB,
		Content: "me first", ClientMessageID: "b-1",
	})
	var tvErr *session.TurnViolationError
	require.ErrorAs(t, err, &tvErr)
	assert.Equal(t, session.TurnAwaitingA, tvErr.Current)
	assert.Equal(t, session.TurnAwaitingB, tvErr.Expected)
	assert.Equal(t, session.ReasonNotYourTurn, tvErr.Reason)

	// A rejected send stores nothing.
	n, err := f.store.Messages().CountBySession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendMessageRejectedDuringReflection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA, Content: "one", ClientMessageID: "a-1",
	})
	require.NoError(t, err)
	_, _, err = f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyB, Content: "two", ClientMessageID: "b-1",
	})
	require.NoError(t, err)

	_, _, err = f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA, Content: "three", ClientMessageID: "a-2",
	})
	var tvErr *session.TurnViolationError
	require.ErrorAs(t, err, &tvErr)
	assert.Equal(t, session.ReasonProcessing, tvErr.Reason)
}

func TestSendMessageIdempotentResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	first, state, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "hello", ClientMessageID: "a-1",
	})
	require.NoError(t, err)
	require.Equal(t, session.TurnAwaitingB, state)

	// Same key again: original message back, turn untouched, even though it
	// is no longer A's turn.
	second, state, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "hello", ClientMessageID: "a-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "hello", second.Content)
	assert.Equal(t, session.TurnAwaitingB, state)

	n, err := f.store.Messages().CountBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendMessageSoloModeHasNoTurnGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, CreateSessionInput{Mode: session.ModeSolo, PartyA: "alice"})
	require.NoError(t, err)

	for i, id := range []string{"s-1", "s-2", "s-3"} {
		_, state, err := f.svc.SendMessage(ctx, SendMessageInput{
			SessionID: sess.ID, Sender: session.SenderPartyA,
			Content: "entry", ClientMessageID: id,
		})
		require.NoError(t, err, "send %d", i)
		assert.Equal(t, session.TurnAiReflect, state)
	}
}

func TestSendMessageEmergencyLocksSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "I want to kill myself", ClientMessageID: "a-1",
	})
	var emErr *boundary.EmergencyError
	require.ErrorAs(t, err, &emErr)
	assert.Contains(t, emErr.Categories, guard.CategorySelfHarm)
	assert.NotEmpty(t, emErr.Resources)

	got, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.TurnLocked, got.TurnState)
	assert.True(t, got.BoundaryFlag)

	// The triggering message is never stored.
	n, err := f.store.Messages().CountBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := f.svc.ListAudit(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, boundary.AuditLock, entries[0].Action)

	// Lock is sticky: benign sends from either party are rejected.
	_, _, err = f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "sorry, I am okay", ClientMessageID: "a-2",
	})
	var lockErr *boundary.LockedError
	assert.ErrorAs(t, err, &lockErr)

	_, _, err = f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyB,
		Content: "are you there", ClientMessageID: "b-1",
	})
	assert.ErrorAs(t, err, &lockErr)
}

func TestClearBoundaryUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "I want to hurt myself", ClientMessageID: "a-1",
	})
	var emErr *boundary.EmergencyError
	require.ErrorAs(t, err, &emErr)

	// Clearing needs a reason.
	_, err = f.svc.ClearBoundary(ctx, sess.ID, "clinician-1", "  ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reason", verr.Field)

	cleared, err := f.svc.ClearBoundary(ctx, sess.ID, "clinician-1", "reviewed with both parties")
	require.NoError(t, err)
	assert.Equal(t, session.TurnAwaitingA, cleared.TurnState)
	assert.False(t, cleared.BoundaryFlag)

	entries, err := f.svc.ListAudit(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, boundary.AuditClear, entries[1].Action)

	// Conversation resumes from A.
	_, state, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "thank you for checking in", ClientMessageID: "a-2",
	})
	require.NoError(t, err)
	assert.Equal(t, session.TurnAwaitingB, state)
}

func TestClearBoundaryRequiresLockedSession(t *testing.T) {
	f := newFixture(t)
	sess := f.coupleSession(t)

	_, err := f.svc.ClearBoundary(context.Background(), sess.ID, "clinician-1", "nothing to clear")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "session", verr.Field)
}

func TestSendMessageBlockedLeavesTurnAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "you'll regret this, watch your back", ClientMessageID: "a-1",
	})
	var blockErr *boundary.BlockedError
	require.ErrorAs(t, err, &blockErr)
	assert.Contains(t, blockErr.Categories, guard.CategoryThreats)

	got, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.TurnAwaitingA, got.TurnState)

	entries, err := f.svc.ListAudit(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, boundary.AuditWarn, entries[0].Action)
}

func TestSendMessageFlaggedMessageCarriesTags(t *testing.T) {
	f := newFixture(t)
	sess := f.coupleSession(t)

	msg, _, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "hate hate hate hate hate", ClientMessageID: "a-1",
	})
	require.NoError(t, err)
	assert.Contains(t, msg.SafetyTags, guard.CategoryIntensity)
}

func TestReadMessagesImmediateBacklog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	sent, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "backlog entry", ClientMessageID: "a-1",
	})
	require.NoError(t, err)

	res, err := f.svc.ReadMessages(ctx, ReadMessagesInput{
		SessionID: sess.ID, ClientID: "ben-phone", MaxWait: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, longpoll.KindDelivered, res.Kind)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, sent.ID, res.Messages[0].ID)
	assert.Equal(t, "backlog entry", res.Messages[0].Content)
	assert.Equal(t, sent.CreatedAt, res.Watermark)
}

func TestReadMessagesLongPollWakeup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	type outcome struct {
		res longpoll.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.svc.ReadMessages(ctx, ReadMessagesInput{
			SessionID: sess.ID, ClientID: "ben-phone", MaxWait: 5 * time.Second,
		})
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		return f.dispatcher.WaiterCount(sess.ID) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "wake up", ClientMessageID: "a-1",
	})
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, longpoll.KindDelivered, out.res.Kind)
		require.Len(t, out.res.Messages, 1)
		assert.Equal(t, "wake up", out.res.Messages[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll never resolved")
	}
}

func TestReadMessagesLockedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "I want to end my life", ClientMessageID: "a-1",
	})
	var emErr *boundary.EmergencyError
	require.ErrorAs(t, err, &emErr)

	_, err = f.svc.ReadMessages(ctx, ReadMessagesInput{SessionID: sess.ID, ClientID: "ben-phone"})
	var lockErr *boundary.LockedError
	assert.ErrorAs(t, err, &lockErr)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	ended, err := f.svc.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)

	// Idempotent.
	again, err := f.svc.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, again.EndedAt)

	_, _, err = f.svc.SendMessage(ctx, SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "too late", ClientMessageID: "a-1",
	})
	assert.ErrorIs(t, err, session.ErrEnded)

	// Reads on an ended session return immediately instead of parking.
	res, err := f.svc.ReadMessages(ctx, ReadMessagesInput{
		SessionID: sess.ID, ClientID: "ben-phone", MaxWait: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, longpoll.KindTimedOut, res.Kind)
	assert.Empty(t, res.Messages)
}

func TestEndSessionFlushesWaiters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	done := make(chan longpoll.Result, 1)
	go func() {
		res, err := f.svc.ReadMessages(ctx, ReadMessagesInput{
			SessionID: sess.ID, ClientID: "ben-phone", MaxWait: 10 * time.Second,
		})
		if err == nil {
			done <- res
		}
	}()
	require.Eventually(t, func() bool {
		return f.dispatcher.WaiterCount(sess.ID) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := f.svc.EndSession(ctx, sess.ID)
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, longpoll.KindAborted, res.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not flushed on end")
	}
}

func TestAbortWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.coupleSession(t)

	done := make(chan longpoll.Result, 1)
	go func() {
		res, err := f.svc.ReadMessages(ctx, ReadMessagesInput{
			SessionID: sess.ID, ClientID: "ben-phone", MaxWait: 10 * time.Second,
		})
		if err == nil {
			done <- res
		}
	}()
	require.Eventually(t, func() bool {
		return f.dispatcher.WaiterCount(sess.ID) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, f.svc.AbortWait(sess.ID, "ben-phone"))
	assert.False(t, f.svc.AbortWait(sess.ID, "ben-phone"))

	select {
	case res := <-done:
		assert.Equal(t, longpoll.KindAborted, res.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("abort never resolved the waiter")
	}
}

type mockCipher struct {
	mock.Mock
}

func (m *mockCipher) EncryptField(ctx context.Context, sessionID uuid.UUID, plaintext string) (string, error) {
	args := m.Called(ctx, sessionID, plaintext)
	return args.String(0), args.Error(1)
}

func (m *mockCipher) DecryptField(ctx context.Context, sessionID uuid.UUID, ciphertext string) (string, error) {
	args := m.Called(ctx, sessionID, ciphertext)
	return args.String(0), args.Error(1)
}

func TestSendMessageEncryptFailureStoresNothing(t *testing.T) {
	store := memstore.New()
	g, err := guard.NewGuard(guard.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	d := longpoll.NewDispatcher(longpoll.DefaultConfig(), zerolog.Nop())
	t.Cleanup(d.Stop)

	cipher := &mockCipher{}
	cipher.On("EncryptField", mock.Anything, mock.Anything, "hello").
		Return("", errors.New("kms unavailable"))
	svc := NewService(store.Sessions(), store.Messages(), store.Audits(), g, d, cipher, zerolog.Nop())

	sess, err := svc.CreateSession(context.Background(), CreateSessionInput{
		Mode: session.ModeCouple, PartyA: "alice", PartyB: "ben",
	})
	require.NoError(t, err)

	_, _, err = svc.SendMessage(context.Background(), SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "hello", ClientMessageID: "a-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encrypt content")

	// Nothing stored, turn unchanged.
	n, err := store.Messages().CountBySession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := svc.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.TurnAwaitingA, got.TurnState)
	cipher.AssertExpectations(t)
}

// failingSessions wraps a session repository and fails turn-state writes.
type failingSessions struct {
	session.Repository
}

func (f *failingSessions) UpdateTurnState(context.Context, uuid.UUID, session.TurnState, bool) error {
	return errors.New("connection reset")
}

func TestSendMessageCompensatesFailedTurnAdvance(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := memstore.New()
	msgRepo := mocks.NewMockRepository(ctrl)

	g, err := guard.NewGuard(guard.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	d := longpoll.NewDispatcher(longpoll.DefaultConfig(), zerolog.Nop())
	t.Cleanup(d.Stop)
	svc := NewService(&failingSessions{store.Sessions()}, msgRepo, store.Audits(), g, d, noopCipher{}, zerolog.Nop())

	sess, err := svc.CreateSession(context.Background(), CreateSessionInput{
		Mode: session.ModeCouple, PartyA: "alice", PartyB: "ben",
	})
	require.NoError(t, err)

	msgRepo.EXPECT().FindByIdempotencyKey(gomock.Any(), sess.ID, "a-1").Return(nil, nil)
	msgRepo.EXPECT().CountBySession(gomock.Any(), sess.ID).Return(0, nil)
	var insertedID uuid.UUID
	msgRepo.EXPECT().Insert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m *message.Message) error {
			insertedID = m.ID
			return nil
		})
	msgRepo.EXPECT().Delete(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, id uuid.UUID) error {
			assert.Equal(t, insertedID, id)
			return nil
		})

	_, _, err = svc.SendMessage(context.Background(), SendMessageInput{
		SessionID: sess.ID, Sender: session.SenderPartyA,
		Content: "hello", ClientMessageID: "a-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advance turn")
}
