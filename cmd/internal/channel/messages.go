package channel

import v1 "chord/shared/contracts/realtime/v1"

// messageList is the merged message view. Order is arrival order for live
// messages and chronological order for history; it is never re-sorted.
// Every id appears at most once.
type messageList struct {
	items []v1.ChatMessage
	ids   map[v1.ID]struct{}
}

func newMessageList() *messageList {
	return &messageList{ids: make(map[v1.ID]struct{})}
}

func (l *messageList) has(id v1.ID) bool {
	_, ok := l.ids[id]
	return ok
}

// append adds m at the end unless its id is already present.
func (l *messageList) append(m v1.ChatMessage) bool {
	if m.ID.IsZero() || l.has(m.ID) {
		return false
	}
	l.ids[m.ID] = struct{}{}
	l.items = append(l.items, m)
	return true
}

// prepend inserts older messages before the current ones, skipping ids
// already present. It returns how many were inserted.
func (l *messageList) prepend(older []v1.ChatMessage) int {
	fresh := make([]v1.ChatMessage, 0, len(older))
	for _, m := range older {
		if m.ID.IsZero() || l.has(m.ID) {
			continue
		}
		l.ids[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	l.items = append(fresh, l.items...)
	return len(fresh)
}

// replace swaps the message with m's id for m. Entries are replaced whole,
// never mutated in place, so earlier snapshots stay valid.
func (l *messageList) replace(m v1.ChatMessage) bool {
	if !l.has(m.ID) {
		return false
	}
	next := make([]v1.ChatMessage, len(l.items))
	copy(next, l.items)
	for i := range next {
		if next[i].ID == m.ID {
			next[i] = m
			break
		}
	}
	l.items = next
	return true
}

func (l *messageList) remove(id v1.ID) bool {
	if !l.has(id) {
		return false
	}
	delete(l.ids, id)
	next := make([]v1.ChatMessage, 0, len(l.items)-1)
	for _, m := range l.items {
		if m.ID != id {
			next = append(next, m)
		}
	}
	l.items = next
	return true
}

func (l *messageList) len() int { return len(l.items) }

func (l *messageList) snapshot() []v1.ChatMessage {
	return append([]v1.ChatMessage(nil), l.items...)
}

// chronological reverses a newest-first history page.
func chronological(page []v1.ChatMessage) []v1.ChatMessage {
	out := make([]v1.ChatMessage, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}
