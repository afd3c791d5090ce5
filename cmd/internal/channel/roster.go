package channel

import v1 "chord/shared/contracts/realtime/v1"

// roster is the presence list of the open channel.
type roster struct {
	members []v1.Member
}

// replace installs a full snapshot, dropping duplicate ids.
func (r *roster) replace(ms []v1.Member) {
	seen := make(map[v1.ID]struct{}, len(ms))
	next := make([]v1.Member, 0, len(ms))
	for _, m := range ms {
		if m.ID.IsZero() {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		next = append(next, m)
	}
	r.members = next
}

func (r *roster) add(m v1.Member) bool {
	if m.ID.IsZero() {
		return false
	}
	for _, cur := range r.members {
		if cur.ID == m.ID {
			return false
		}
	}
	r.members = append(r.members[:len(r.members):len(r.members)], m)
	return true
}

func (r *roster) remove(id v1.ID) bool {
	for i, cur := range r.members {
		if cur.ID == id {
			r.members = append(r.members[:i:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}

func (r *roster) reset() { r.members = nil }

func (r *roster) snapshot() []v1.Member {
	return append([]v1.Member(nil), r.members...)
}
