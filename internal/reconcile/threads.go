package reconcile

import (
	"sort"
	"strings"

	gomail "github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// DistinctThreadIDs returns the thread ids of msgs in first-seen order.
func DistinctThreadIDs(msgs []mail.Message) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range msgs {
		id := m.ThreadID
		if id == "" {
			id = m.RemoteID
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// BuildThread derives a thread from its messages. It reports false for a
// thread without messages.
func BuildThread(id, accountID string, msgs []mail.Message) (mail.Thread, bool) {
	if len(msgs) == 0 {
		return mail.Thread{}, false
	}
	sorted := make([]mail.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date().After(sorted[j].Date())
	})

	newest := sorted[0]
	t := mail.Thread{
		ID:            id,
		AccountID:     accountID,
		Messages:      sorted,
		Subject:       newest.Subject,
		Snippet:       newest.Snippet,
		TotalCount:    len(sorted),
		LastMessageAt: newest.Date(),
	}
	if t.Subject == "" {
		for _, m := range sorted {
			if m.Subject != "" {
				t.Subject = m.Subject
				break
			}
		}
	}

	var names []string
	seen := make(map[string]bool)
	for _, m := range sorted {
		if !m.IsRead {
			t.UnreadCount++
		}
		name := senderName(m.From)
		if name == "" || seen[strings.ToLower(name)] || len(names) == 3 {
			continue
		}
		seen[strings.ToLower(name)] = true
		names = append(names, name)
	}
	t.ParticipantsSummary = participantsSummary(names)
	return t, true
}

// SortThreads orders threads by last message time, newest first.
func SortThreads(threads []mail.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LastMessageAt.After(threads[j].LastMessageAt)
	})
}

func participantsSummary(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + ", " + names[1]
	}
	return names[0] + ", " + names[1] + " & more"
}

// senderName prefers the display name of an address and falls back to the
// bare address or the raw string.
func senderName(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	addr, err := gomail.ParseAddress(from)
	if err != nil {
		return from
	}
	if addr.Name != "" {
		return addr.Name
	}
	return addr.Address
}
