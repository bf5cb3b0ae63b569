package helpers

import (
	"bytes"
	"expvar"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type throttleWriter struct {
	w io.Writer
	n int
}

func (tw *throttleWriter) Write(p []byte) (int, error) {
	if len(p) > tw.n {
		p = p[:tw.n]
	}
	return tw.w.Write(p)
}

func TestWriteAll(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		limit     int
		expectErr error
	}{
		{"whole", 100, nil},
		{"throttled", 7, nil},
		{"single-byte", 1, nil},
		{"stuck", 0, io.ErrShortWrite},
	}
	content := []byte("12345678901234567890")
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			err := WriteAll(&throttleWriter{&buf, c.limit}, content)
			if c.expectErr != nil {
				assert.Equal(t, c.expectErr, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, content, buf.Bytes())
		})
	}
}

func TestCountReader(t *testing.T) {
	t.Parallel()

	var counter expvar.Int
	r := CountReader(strings.NewReader(strings.Repeat(".", 20)), &counter)
	buf := make([]byte, 17)
	_, _ = r.Read(buf[:0])
	assert.Equal(t, int64(0), counter.Value())
	_, _ = r.Read(buf[:5])
	assert.Equal(t, int64(5), counter.Value())
	_, _ = r.Read(buf)
	assert.Equal(t, int64(20), counter.Value())
	_, err := r.Read(buf)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(20), counter.Value())
}

func TestCountWriter(t *testing.T) {
	t.Parallel()

	var counter expvar.Int
	var buf bytes.Buffer
	w := CountWriter(&throttleWriter{&buf, 7}, &counter)
	n, err := w.Write(make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, int64(7), counter.Value())
	require.NoError(t, WriteAll(w, make([]byte, 10)))
	assert.Equal(t, int64(17), counter.Value())
}
