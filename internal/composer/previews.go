package composer

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewScheme prefixes local preview handles.
const PreviewScheme = "blob:"

// Previews holds attachment bytes behind local handles so a speculative
// entry can render its media before the upload finishes.
type Previews struct {
	mu    sync.Mutex
	items map[string]Attachment
}

// NewPreviews returns an empty registry.
func NewPreviews() *Previews {
	return &Previews{items: make(map[string]Attachment)}
}

// Register stores att and returns its handle.
func (p *Previews) Register(att Attachment) string {
	handle := PreviewScheme + uuid.NewString()
	p.mu.Lock()
	p.items[handle] = att
	p.mu.Unlock()
	return handle
}

// Get returns the attachment behind handle.
func (p *Previews) Get(handle string) (Attachment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	att, ok := p.items[handle]
	return att, ok
}

// Release forgets handle. Releasing twice is a no-op.
func (p *Previews) Release(handle string) {
	p.mu.Lock()
	delete(p.items, handle)
	p.mu.Unlock()
}

// Len returns the number of live handles.
func (p *Previews) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
