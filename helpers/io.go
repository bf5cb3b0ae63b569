package helpers

import (
	"io"
)

// Counter receives byte counts, expvar.Int fits.
type Counter interface{ Add(int64) }

type countReader struct {
	r io.Reader
	c Counter
}

// CountReader adds every read length to c.
func CountReader(r io.Reader, c Counter) io.Reader { return &countReader{r, c} }

func (cr *countReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.c.Add(int64(n))
	}
	return n, err
}

type countWriter struct {
	w io.Writer
	c Counter
}

// CountWriter adds every written length to c, including short writes.
func CountWriter(w io.Writer, c Counter) io.Writer { return &countWriter{w, c} }

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.c.Add(int64(n))
	}
	return n, err
}

// WriteAll retries short writes until b is consumed or w fails.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
