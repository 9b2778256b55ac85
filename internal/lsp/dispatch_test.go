package lsp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcher_Routing(t *testing.T) {
	d := NewDispatcher(nil)

	calls := make(chan string, 4)
	d.Handle("a", func(ctx context.Context, msg *Message) error {
		calls <- "a:" + msg.Method
		return nil
	})
	d.Handle("*", func(ctx context.Context, msg *Message) error {
		calls <- "*:" + msg.Method
		return nil
	})

	assert.True(t, d.Dispatch(context.Background(), &Message{Method: "a"}, nil))
	assert.True(t, d.Dispatch(context.Background(), &Message{Method: "b"}, nil))
	d.Wait()
	close(calls)

	var got []string
	for c := range calls {
		got = append(got, c)
	}
	assert.ElementsMatch(t, []string{"a:a", "*:b"}, got)
}

func TestDispatcher_Unregister(t *testing.T) {
	d := NewDispatcher(nil)
	d.Handle("a", func(ctx context.Context, msg *Message) error { return nil })
	d.Handle("a", nil)

	result := make(chan error, 1)
	assert.False(t, d.Dispatch(context.Background(), &Message{Method: "a", ID: []byte("1")}, func(err error) {
		result <- err
	}))

	var perr *ProtocolError
	require.ErrorAs(t, <-result, &perr)
	assert.Equal(t, KindMethodNotFound, perr.Kind())
}

func TestDispatcher_PanicAndErrorAreLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d := NewDispatcher(zap.New(core))

	d.Handle("panic", func(ctx context.Context, msg *Message) error {
		panic("boom")
	})
	d.Handle("fail", func(ctx context.Context, msg *Message) error {
		return errors.New("nope")
	})

	outcomes := make(chan error, 2)
	d.Dispatch(context.Background(), &Message{Method: "panic"}, func(err error) { outcomes <- err })
	d.Dispatch(context.Background(), &Message{Method: "fail"}, func(err error) { outcomes <- err })
	d.Wait()

	first, second := <-outcomes, <-outcomes
	require.Error(t, first)
	require.Error(t, second)

	assert.Equal(t, 1, logs.FilterMessage("handler panicked").Len())
	assert.Equal(t, 1, logs.FilterMessage("handler failed").Len())
}

func TestMessage_IsRequest(t *testing.T) {
	assert.False(t, (&Message{}).IsRequest())
	assert.False(t, (&Message{ID: []byte("null")}).IsRequest())
	assert.True(t, (&Message{ID: []byte("3")}).IsRequest())
}
