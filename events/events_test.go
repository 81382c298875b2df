package events

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestZerologSinkEmitsEachKindWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	sink := NewZerologSink(zerolog.New(&buf))

	kinds := []EventKind{
		EventAnswererPrivateCall,
		EventAdvertiseReceived,
		EventBootstrapReplied,
		EventSwapAccepted,
		EventSwapIgnored,
		EventTooFewConnections,
		EventTooManyConnections,
		EventMaintained,
	}
	for _, k := range kinds {
		assert.NotPanics(t, func() { sink.Emit(Event{Kind: k}) })
	}
	assert.Equal(t, len(kinds), bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestNopSinkDiscards(t *testing.T) {
	var sink Sink = NopSink{}
	assert.NotPanics(t, func() { sink.Emit(Event{Kind: EventMaintained}) })
}
