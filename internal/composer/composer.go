// Package composer turns user drafts into timeline sends, uploading
// attachments to object storage before the message itself is sent.
package composer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/timeline"
	"github.com/tOgg1/chatsync/internal/transport"
)

// Sender starts a timeline send.
type Sender interface {
	SendDraft(ctx context.Context, draft timeline.Draft) (models.Message, <-chan timeline.SendResult, error)
}

// Attachment is a file picked by the user.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Draft is the composer input.
type Draft struct {
	Text       string
	Attachment *Attachment
}

// Composer validates drafts and wires uploads into sends.
type Composer struct {
	sender   Sender
	uploader transport.Uploader
	previews *Previews
	logger   zerolog.Logger

	mu      sync.Mutex
	handles map[string]string // local id -> preview handle
}

// New creates a composer. previews may be nil.
func New(sender Sender, uploader transport.Uploader, previews *Previews) *Composer {
	if previews == nil {
		previews = NewPreviews()
	}
	return &Composer{
		sender:   sender,
		uploader: uploader,
		previews: previews,
		logger:   logging.Component("composer"),
		handles:  make(map[string]string),
	}
}

// Previews returns the preview registry.
func (c *Composer) Previews() *Previews {
	return c.previews
}

// Send validates draft and starts the send. With an attachment the
// speculative entry shows a local preview handle and the upload runs
// before the authoritative send. The handle lives while the entry may
// still render it: it is released on success, on a stale result, or by
// Discard.
func (c *Composer) Send(ctx context.Context, draft Draft) (models.Message, <-chan timeline.SendResult, error) {
	text := strings.TrimSpace(draft.Text)
	att := draft.Attachment
	if att != nil && len(att.Data) == 0 {
		return models.Message{}, nil, fmt.Errorf("attachment %q: %w", att.Name, models.ErrEmptyDraft)
	}
	if text == "" && att == nil {
		return models.Message{}, nil, models.ErrEmptyDraft
	}

	out := timeline.Draft{Content: text}
	handle := ""
	if att != nil {
		file := *att
		if strings.TrimSpace(file.ContentType) == "" {
			file.ContentType = http.DetectContentType(file.Data)
		}
		kind, err := models.ParseMediaKind(file.ContentType)
		if err != nil {
			return models.Message{}, nil, err
		}
		handle = c.previews.Register(file)
		out.Media = &models.Media{URL: handle, Kind: kind}
		out.Prepare = func(ctx context.Context) (*models.Media, error) {
			return c.upload(ctx, file)
		}
	}

	entry, results, err := c.sender.SendDraft(ctx, out)
	if err != nil {
		if handle != "" {
			c.previews.Release(handle)
		}
		return models.Message{}, nil, err
	}
	if handle == "" {
		return entry, results, nil
	}

	c.mu.Lock()
	c.handles[entry.ID] = handle
	c.mu.Unlock()
	return entry, c.Track(entry.ID, results), nil
}

// Track forwards results and releases the preview of localID once the
// send succeeds or its result turns out stale.
func (c *Composer) Track(localID string, results <-chan timeline.SendResult) <-chan timeline.SendResult {
	c.mu.Lock()
	_, ok := c.handles[localID]
	c.mu.Unlock()
	if !ok {
		return results
	}

	settled := make(chan timeline.SendResult, 1)
	go func() {
		res := <-results
		if res.Err == nil || errors.Is(res.Err, models.ErrStaleEpoch) {
			c.Discard(localID)
		}
		settled <- res
	}()
	return settled
}

// Discard releases the preview of localID, if any.
func (c *Composer) Discard(localID string) {
	c.mu.Lock()
	handle, ok := c.handles[localID]
	delete(c.handles, localID)
	c.mu.Unlock()
	if ok {
		c.previews.Release(handle)
	}
}

// Reset releases every preview, for when the timeline is cleared.
func (c *Composer) Reset() {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]string)
	c.mu.Unlock()
	for _, handle := range handles {
		c.previews.Release(handle)
	}
}

func (c *Composer) upload(ctx context.Context, file Attachment) (*models.Media, error) {
	if c.uploader == nil {
		return nil, fmt.Errorf("%w: no uploader configured", models.ErrUploadFailure)
	}
	media, err := c.uploader.Upload(ctx, transport.Upload{
		Name:        file.Name,
		ContentType: file.ContentType,
		Data:        file.Data,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("file", file.Name).Msg("attachment upload failed")
		return nil, err
	}
	return &media, nil
}
