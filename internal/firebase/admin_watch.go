package firebase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// adminWatcher polls one location for a Listen subscription.
type adminWatcher struct {
	ref      *AdminRef
	segs     []string
	types    []EventType
	sub      Subscriber
	interval time.Duration
	log      zerolog.Logger

	etag     string
	primed   bool
	children []Child
}

func (w *adminWatcher) wants(t EventType) bool {
	for _, x := range w.types {
		if x == t {
			return true
		}
	}
	return false
}

func (w *adminWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			fe := AsError(err)
			if fe.Code == CodePermissionDenied || fe.Code == CodeNotInitialized || fe.Code == CodeInvalidArgument {
				w.log.Warn().Err(err).Msg("subscription cancelled")
				w.sub.OnCancelled(fe)
				return
			}
			w.log.Debug().Err(err).Msg("poll failed, retrying on next tick")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *adminWatcher) poll(ctx context.Context) error {
	client, err := w.ref.s.database()
	if err != nil {
		return err
	}
	ref := client.NewRef(JoinPath(w.segs))

	var raw json.RawMessage
	if w.etag == "" {
		tag, err := ref.GetWithETag(ctx, &raw)
		if err != nil {
			return translate(err)
		}
		w.etag = tag
	} else {
		changed, tag, err := ref.GetIfChanged(ctx, w.etag, &raw)
		if err != nil {
			return translate(err)
		}
		w.etag = tag
		if !changed {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.emit(ref.Key, normalizeValue(raw))
	return nil
}

func (w *adminWatcher) emit(key string, value json.RawMessage) {
	children := ChildrenOf(value)
	var events []Event
	if !w.primed {
		events = InitialChildEvents(children)
	} else {
		events = DiffChildren(w.children, children)
	}
	w.children = children

	for _, ev := range events {
		if w.wants(ev.Type) {
			w.sub.OnEvent(ev)
		}
	}
	if w.wants(EventValue) {
		w.sub.OnEvent(Event{Type: EventValue, Snapshot: Snapshot{Key: key, Value: value}})
	}
	w.primed = true
}
