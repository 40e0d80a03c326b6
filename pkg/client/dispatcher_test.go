package client

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

func testEnvelope(t *testing.T, kind protocol.Kind, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(kind, payload)
	require.NoError(t, err)
	return env
}

func TestDispatchRegistrationOrder(t *testing.T) {
	r := newRegistry(slog.New(slog.DiscardHandler))

	var order []string
	r.add(protocol.KindTaskCreated, func(protocol.Envelope) { order = append(order, "first") })
	r.add(protocol.KindTaskCreated, func(protocol.Envelope) { order = append(order, "second") })
	r.add(protocol.KindTaskCreated, func(protocol.Envelope) { order = append(order, "third") })

	r.dispatch(testEnvelope(t, protocol.KindTaskCreated, map[string]string{"id": "t1"}))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDispatchOnlyMatchingKind(t *testing.T) {
	r := newRegistry(slog.New(slog.DiscardHandler))

	var created, updated int
	r.add(protocol.KindTaskCreated, func(protocol.Envelope) { created++ })
	r.add(protocol.KindTaskUpdated, func(protocol.Envelope) { updated++ })

	r.dispatch(testEnvelope(t, protocol.KindTaskCreated, nil))
	r.dispatch(testEnvelope(t, protocol.KindTaskCreated, nil))

	assert.Equal(t, 2, created)
	assert.Zero(t, updated)
}

func TestUnsubscribeLeavesSiblings(t *testing.T) {
	r := newRegistry(slog.New(slog.DiscardHandler))

	var a, b int
	subA := r.add(protocol.KindTaskUpdated, func(protocol.Envelope) { a++ })
	r.add(protocol.KindTaskUpdated, func(protocol.Envelope) { b++ })

	subA.Unsubscribe()
	subA.Unsubscribe() // safe to repeat

	r.dispatch(testEnvelope(t, protocol.KindTaskUpdated, nil))

	assert.Zero(t, a)
	assert.Equal(t, 1, b)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	r := newRegistry(slog.New(slog.DiscardHandler))

	var after int
	r.add(protocol.KindTaskDeleted, func(protocol.Envelope) { panic("handler bug") })
	r.add(protocol.KindTaskDeleted, func(protocol.Envelope) { after++ })

	require.NotPanics(t, func() {
		r.dispatch(testEnvelope(t, protocol.KindTaskDeleted, nil))
	})
	assert.Equal(t, 1, after, "a panicking handler must not starve the next one")
}

func TestErrorEnvelopesGoToErrorHandler(t *testing.T) {
	r := newRegistry(slog.New(slog.DiscardHandler))

	var kindHandler int
	r.add(protocol.KindError, func(protocol.Envelope) { kindHandler++ })

	var got protocol.ErrorPayload
	r.onErr = func(p protocol.ErrorPayload) { got = p }

	r.dispatch(testEnvelope(t, protocol.KindError, protocol.ErrorPayload{
		Code:    "SYNC_FAILED",
		Message: "failed to compute changes",
	}))

	assert.Equal(t, "SYNC_FAILED", got.Code)
	assert.Zero(t, kindHandler, "error envelopes bypass the kind registry")
}

func TestErrorHandlerWithoutRegistrationIsLogged(t *testing.T) {
	r := newRegistry(slog.New(slog.DiscardHandler))

	require.NotPanics(t, func() {
		r.dispatch(testEnvelope(t, protocol.KindError, protocol.ErrorPayload{Message: "boom"}))
	})
}
