// Package pubsub implements the Redis-backed workspace change bus (spec
// §4.7): one channel carrying five tagged JSON event shapes (write,
// delete, rename, folder_create, folder_delete). The teacher has no
// pub/sub precedent. All five shapes share one Event struct: its Type field
// is the tag and each shape fills only the fields it uses.
package pubsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
)

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// EventType tags which of the five workspace-change shapes an Event is.
type EventType string

const (
	EventWrite        EventType = "write"
	EventDelete       EventType = "delete"
	EventRename       EventType = "rename"
	EventFolderCreate EventType = "folder_create"
	EventFolderDelete EventType = "folder_delete"
)

// Event is the wire shape published on the channel. Only the fields
// relevant to Type are populated; json omits the rest.
type Event struct {
	Type        EventType `json:"type"`
	Path        string    `json:"path,omitempty"`
	ContentB64  string    `json:"content_b64,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	OldPath     string    `json:"old_path,omitempty"`
	NewPath     string    `json:"new_path,omitempty"`
}

// Bus publishes and subscribes to the single workspace-change channel.
type Bus struct {
	rdb     *redis.Client
	channel string
}

func New(rdb *redis.Client, channel string) *Bus {
	return &Bus{rdb: rdb, channel: channel}
}

func (b *Bus) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal pubsub event: %w", err)
	}

	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return errorkind.Transient(fmt.Sprintf("pubsub: publish %s: %v", ev.Type, err))
	}

	return nil
}

func (b *Bus) PublishWrite(ctx context.Context, path string, content []byte, hash string) error {
	return b.publish(ctx, Event{Type: EventWrite, Path: path, ContentB64: base64Encode(content), ContentHash: hash})
}

func (b *Bus) PublishDelete(ctx context.Context, path string) error {
	return b.publish(ctx, Event{Type: EventDelete, Path: path})
}

// PublishRename fans out the optional rename shape (spec §4.7: "subscribers
// that do not implement it must treat it as delete(old) + write(new)").
func (b *Bus) PublishRename(ctx context.Context, oldPath, newPath string) error {
	return b.publish(ctx, Event{Type: EventRename, OldPath: oldPath, NewPath: newPath})
}

func (b *Bus) PublishFolderCreate(ctx context.Context, path string) error {
	return b.publish(ctx, Event{Type: EventFolderCreate, Path: path})
}

func (b *Bus) PublishFolderDelete(ctx context.Context, path string) error {
	return b.publish(ctx, Event{Type: EventFolderDelete, Path: path})
}

// Subscribe returns a channel of decoded events and an unsubscribe func.
// Messages that fail to decode are logged and dropped rather than
// propagated, since one malformed event must not wedge the subscriber loop.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, errorkind.Transient(fmt.Sprintf("pubsub: subscribe %q: %v", b.channel, err))
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("pubsub: dropping malformed event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { sub.Close() }, nil
}
