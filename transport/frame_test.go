package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dualnet/limits"
)

func TestReadFrameRejectsOversizedHeaderBeforeReading(t *testing.T) {
	var stream bytes.Buffer
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(limits.MaxFrameSize(1000)+1))
	stream.Write(prefix)
	stream.Write(make([]byte, 64))

	_, err := readFrame(&stream, make([]byte, 4), 1000)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 64, stream.Len(), "body must not be consumed")
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    []byte
		wantErr error
	}{
		{
			name:  "complete frame",
			input: []byte{0, 0, 0, 3, 'a', 'b', 'c'},
			want:  []byte("abc"),
		},
		{
			name:    "zero length",
			input:   []byte{0, 0, 0, 0},
			wantErr: ErrProtocol,
		},
		{
			name:    "short body",
			input:   []byte{0, 0, 0, 5, 'a'},
			wantErr: errors.New("unexpected EOF"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readFrame(bytes.NewReader(tt.input), make([]byte, 4), 1000)
			if tt.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tt.wantErr, ErrProtocol) {
					assert.ErrorIs(t, err, ErrProtocol)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestWriteBatchSingleWrite(t *testing.T) {
	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var w countingWriter

	writes, err := writeBatch(&w, frames, make([]byte, 0, 1024))
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
	assert.Equal(t, 1, w.writes)

	for _, want := range frames {
		got, err := readFrame(&w.Buffer, make([]byte, 4), 1000)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWriteBatchFlushesWhenFull(t *testing.T) {
	frames := [][]byte{
		bytes.Repeat([]byte{1}, 10),
		bytes.Repeat([]byte{2}, 10),
		bytes.Repeat([]byte{3}, 40), // larger than scratch
		bytes.Repeat([]byte{4}, 10),
	}
	var w countingWriter

	writes, err := writeBatch(&w, frames, make([]byte, 0, 20))
	require.NoError(t, err)
	assert.Equal(t, 4, writes)

	for _, want := range frames {
		got, err := readFrame(&w.Buffer, make([]byte, 4), 1000)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFramingOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	frames := [][]byte{[]byte("hello"), bytes.Repeat([]byte{7}, 500)}
	go func() {
		_, _ = writeBatch(client, frames, make([]byte, 0, 4096))
	}()

	prefix := make([]byte, 4)
	for _, want := range frames {
		got, err := readFrame(server, prefix, 1000)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
