package mesh

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// DefaultAssemblyTimeout is how long a partial transfer may sit before it is
// abandoned.
const DefaultAssemblyTimeout = 2 * time.Minute

type (
	Assembler struct {
		mu      sync.Mutex
		pending map[string]*assembly
		timeout time.Duration
		now     func() time.Time
	}

	assembly struct {
		chunks  [][]byte
		filled  int
		started time.Time
	}
)

func NewAssembler(timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultAssemblyTimeout
	}
	return &Assembler{
		pending: make(map[string]*assembly),
		timeout: timeout,
		now:     time.Now,
	}
}

// Add stores a chunk. It returns the full payload exactly when every slot
// 0..TotalChunks-1 has been filled, whatever the arrival order.
func (a *Assembler) Add(c Chunk) ([]byte, bool, error) {
	if err := c.validate(); err != nil {
		return nil, false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	as, ok := a.pending[c.MessageID]
	if !ok {
		as = &assembly{chunks: make([][]byte, c.TotalChunks), started: a.now()}
		a.pending[c.MessageID] = as
	}
	if len(as.chunks) != c.TotalChunks {
		return nil, false, fmt.Errorf("%w: total changed from %d to %d", ErrMalformedChunk, len(as.chunks), c.TotalChunks)
	}

	if as.chunks[c.ChunkIndex] == nil {
		as.filled++
	}
	// copy: callers may reuse their read buffers
	as.chunks[c.ChunkIndex] = append([]byte{}, c.Data...)

	if as.filled < len(as.chunks) {
		return nil, false, nil
	}
	delete(a.pending, c.MessageID)
	return bytes.Join(as.chunks, nil), true, nil
}

// Sweep abandons assemblies older than the timeout and returns how many were dropped.
func (a *Assembler) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.timeout)
	dropped := 0
	for id, as := range a.pending {
		if as.started.Before(cutoff) {
			delete(a.pending, id)
			dropped++
		}
	}
	return dropped
}

func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
