package fragment

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dualnet/wire"
)

func splitParts(t *testing.T, payload []byte, id uint16, chunk int) []*wire.MessagePart {
	t.Helper()
	h := wire.NewHeader(wire.FirstUserChannel)
	h.ID = id
	raw, err := Split(payload, h, chunk)
	require.NoError(t, err)

	out := make([]*wire.MessagePart, len(raw))
	for i, b := range raw {
		p := &wire.MessagePart{}
		require.NoError(t, wire.DecodeInto(b, p))
		out[i] = p
	}
	return out
}

func TestReassemblerAnyOrder(t *testing.T) {
	payload := make([]byte, 1234)
	rand.New(rand.NewSource(1)).Read(payload)

	for seed := int64(0); seed < 20; seed++ {
		parts := splitParts(t, payload, 7, 100)
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })

		r := NewReassembler(100, time.Minute, 0)
		completions := 0
		var got []byte
		for _, p := range parts {
			data, done, err := r.Accept(p)
			require.NoError(t, err)
			if done {
				completions++
				got = data
			}
		}
		assert.Equal(t, 1, completions, "seed %d", seed)
		assert.True(t, bytes.Equal(payload, got), "seed %d", seed)
		assert.Equal(t, 0, r.Len())
	}
}

func TestReassemblerDuplicates(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 250)
	parts := splitParts(t, payload, 9, 100)
	r := NewReassembler(100, time.Minute, 0)

	_, done, err := r.Accept(parts[0])
	require.NoError(t, err)
	assert.False(t, done)

	_, done, err = r.Accept(parts[0])
	require.NoError(t, err)
	assert.False(t, done)

	progress, ok := r.Progress(9)
	require.True(t, ok)
	assert.InDelta(t, 1.0/3.0, progress, 1e-9)

	_, _, err = r.Accept(parts[1])
	require.NoError(t, err)
	data, done, err := r.Accept(parts[2])
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, payload, data)

	// Late retransmissions after completion do not start a new message.
	for _, p := range parts {
		_, done, err = r.Accept(p)
		require.NoError(t, err)
		assert.False(t, done)
	}
	assert.Equal(t, 0, r.Len())
}

func TestReassemblerRejectsBadParts(t *testing.T) {
	tests := []struct {
		name string
		part *wire.MessagePart
	}{
		{
			name: "inconsistent part count",
			part: &wire.MessagePart{
				Header: wire.Header{Channel: wire.FirstUserChannel, TotalParts: 5, Length: 250, ID: 1},
				Data:   make([]byte, 100),
			},
		},
		{
			name: "index out of range",
			part: &wire.MessagePart{
				Header: wire.Header{Channel: wire.FirstUserChannel, Part: 3, TotalParts: 3, Length: 250, ID: 1},
				Data:   make([]byte, 50),
			},
		},
		{
			name: "wrong slice size",
			part: &wire.MessagePart{
				Header: wire.Header{Channel: wire.FirstUserChannel, Part: 0, TotalParts: 3, Length: 250, ID: 1},
				Data:   make([]byte, 99),
			},
		},
		{
			name: "oversized declared length",
			part: &wire.MessagePart{
				Header: wire.Header{Channel: wire.FirstUserChannel, TotalParts: 2, Length: 1 << 30, ID: 1},
				Data:   make([]byte, 100),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(100, time.Minute, 0)
			_, done, err := r.Accept(tt.part)
			assert.ErrorIs(t, err, ErrInvalidPart)
			assert.False(t, done)
		})
	}
}

func TestReassemblerExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReassembler(100, time.Second, 0)
	r.now = func() time.Time { return now }

	parts := splitParts(t, make([]byte, 250), 3, 100)
	_, _, err := r.Accept(parts[0])
	require.NoError(t, err)

	assert.Equal(t, 0, r.Expire())
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, r.Expire())
	assert.Equal(t, 0, r.Len())
}

func TestReassemblerReusedIDAfterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReassembler(100, time.Minute, time.Second)
	r.now = func() time.Time { return now }

	accept := func(parts []*wire.MessagePart) (completions int, got []byte) {
		for _, p := range parts {
			data, done, err := r.Accept(p)
			require.NoError(t, err)
			if done {
				completions++
				got = data
			}
		}
		return completions, got
	}

	first := bytes.Repeat([]byte{0x01}, 250)
	second := bytes.Repeat([]byte{0x02}, 250)

	n, got := accept(splitParts(t, first, 5, 100))
	require.Equal(t, 1, n)
	assert.Equal(t, first, got)

	// Inside the window a same-shaped message is taken for a retransmission.
	now = now.Add(500 * time.Millisecond)
	n, _ = accept(splitParts(t, first, 5, 100))
	assert.Equal(t, 0, n)

	now = now.Add(2 * time.Second)
	n, got = accept(splitParts(t, second, 5, 100))
	require.Equal(t, 1, n)
	assert.Equal(t, second, got)
}

func TestReassemblerExpireForgetsCompleted(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReassembler(100, time.Minute, time.Second)
	r.now = func() time.Time { return now }

	for _, p := range splitParts(t, make([]byte, 250), 8, 100) {
		_, _, err := r.Accept(p)
		require.NoError(t, err)
	}
	require.Len(t, r.completed, 1)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 0, r.Expire())
	assert.Empty(t, r.completed)
}

func TestCompletionWindow(t *testing.T) {
	assert.Equal(t, 4*DefaultWaitTime, CompletionWindow(0))
	assert.Equal(t, 80*time.Millisecond, CompletionWindow(20*time.Millisecond))
}
