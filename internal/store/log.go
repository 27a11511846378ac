package store

import (
	"slices"

	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
)

// entry is one slot of a conversation log. A locally created entry keeps its
// localID after confirmation so provisional refs stay resolvable.
type entry struct {
	msg     chat.Message
	localID string
}

func (e *entry) confirmed() bool { return e.msg.ID != "" }

func (e *entry) ref() chat.MessageRef {
	if e.localID != "" {
		return chat.Provisional(e.localID)
	}
	return chat.Confirmed(e.msg.ID)
}

// convLog is the arena of one conversation: entries in log order plus
// indices by server id and local id.
type convLog struct {
	entries []*entry
	byID    map[chat.ID]*entry
	byLocal map[string]*entry
}

func newConvLog() *convLog {
	return &convLog{
		byID:    make(map[chat.ID]*entry),
		byLocal: make(map[string]*entry),
	}
}

func (l *convLog) index(e *entry) {
	if e.msg.ID != "" {
		l.byID[e.msg.ID] = e
	}
	if e.localID != "" {
		l.byLocal[e.localID] = e
	}
}

func (l *convLog) append(e *entry) {
	l.entries = append(l.entries, e)
	l.index(e)
}

func (l *convLog) remove(e *entry) {
	l.entries = slices.DeleteFunc(l.entries, func(x *entry) bool { return x == e })
	if e.msg.ID != "" && l.byID[e.msg.ID] == e {
		delete(l.byID, e.msg.ID)
	}
	if e.localID != "" && l.byLocal[e.localID] == e {
		delete(l.byLocal, e.localID)
	}
}

// insertConfirmed places a confirmed entry by (timestamp, sequence), before
// any trailing provisional entries.
func (l *convLog) insertConfirmed(e *entry) {
	i := len(l.entries)
	for i > 0 {
		prev := l.entries[i-1]
		if prev.confirmed() && !after(prev.msg, e.msg) {
			break
		}
		i--
	}
	l.entries = slices.Insert(l.entries, i, e)
	l.index(e)
}

func (l *convLog) resolve(ref chat.MessageRef) *entry {
	if ref.IsProvisional() {
		return l.byLocal[ref.Value]
	}
	return l.byID[chat.ID(ref.Value)]
}

func (l *convLog) snapshot() []chat.Message {
	out := make([]chat.Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

func after(a, b chat.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Sequence > b.Sequence
}
