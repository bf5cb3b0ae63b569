package persist

import (
	"strconv"
	"strings"
	"sync"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/juju/errors"
)

// Counter is a monotonic id source that survives restarts.
type Counter struct {
	mu   sync.Mutex
	next int64
	file *File
}

// Open loads counter from root/tag, start is the first id of fresh storage.
func (c *Counter) Open(tag string, root string, enabled bool, start int64, log *log2.Log) error {
	f, err := OpenFile(tag, root, enabled, log)
	if err != nil {
		return errors.Trace(err)
	}
	c.file = f
	c.next = start
	if _, err = f.Load(c); err != nil {
		return errors.Trace(err)
	}
	if c.next < start {
		c.next = start
	}
	return nil
}

// Next reserves one id and stores the counter before returning it.
func (c *Counter) Next() (int64, error) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.mu.Unlock()
	if err := c.file.Store(c); err != nil {
		return -1, errors.Annotatef(err, "reserve id=%d", id)
	}
	return id, nil
}

func (c *Counter) Peek() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *Counter) MarshalBinary() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []byte(strconv.FormatInt(c.next, 10)), nil
}

func (c *Counter) UnmarshalBinary(b []byte) error {
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return errors.Annotatef(err, "counter content=%q", b)
	}
	c.mu.Lock()
	c.next = n
	c.mu.Unlock()
	return nil
}
