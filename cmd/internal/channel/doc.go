// Package channel merges paginated message history with the live event
// stream for one channel at a time.
//
// A Controller owns the UI-facing view of the focused channel: the
// deduplicated message list in arrival order, the typing set and the
// presence roster. It talks to the broker only through the realtime session
// and to the backend only through a HistorySource.
package channel
