package reconcile

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	model "github.com/Martian-dev/mailsync/internal/mail"
)

// RawMessage is a message as a provider delivers it. Timestamps arrive either
// typed (Received/Sent) or as text (ReceivedRaw/SentRaw).
type RawMessage struct {
	ID             string
	ThreadID       string
	FolderID       string
	Subject        string
	Snippet        string
	From           string
	To             []string
	Cc             []string
	Received       time.Time
	Sent           time.Time
	ReceivedRaw    string
	SentRaw        string
	IsRead         bool
	IsStarred      bool
	HasAttachments bool
	IsDraft        bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses the timestamp formats providers are known to emit:
// RFC 3339, RFC 5322 dates and unix milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Message maps a raw message to the canonical shape. A timestamp that cannot
// be parsed is logged and left zero; it never fails the mapping.
func Message(accountID string, raw RawMessage, log logrus.FieldLogger) model.Message {
	m := model.Message{
		RemoteID:       raw.ID,
		ThreadID:       raw.ThreadID,
		AccountID:      accountID,
		FolderID:       raw.FolderID,
		Subject:        raw.Subject,
		Snippet:        raw.Snippet,
		From:           raw.From,
		To:             raw.To,
		Cc:             raw.Cc,
		ReceivedAt:     raw.Received,
		SentAt:         raw.Sent,
		IsRead:         raw.IsRead,
		IsStarred:      raw.IsStarred,
		HasAttachments: raw.HasAttachments,
		IsDraft:        raw.IsDraft,
		SyncStatus:     model.StatusSynced,
	}
	if m.ThreadID == "" {
		m.ThreadID = raw.ID
	}
	parse := func(field, value string, dst *time.Time) {
		if !dst.IsZero() || value == "" {
			return
		}
		t, err := ParseTimestamp(value)
		if err != nil {
			if log != nil {
				log.WithFields(logrus.Fields{
					"account": accountID,
					"message": raw.ID,
					"field":   field,
				}).WithError(err).Warn("unparsable timestamp, leaving it unset")
			}
			return
		}
		*dst = t
	}
	parse("received", raw.ReceivedRaw, &m.ReceivedAt)
	parse("sent", raw.SentRaw, &m.SentAt)
	return m
}

// Messages maps a batch.
func Messages(accountID string, raws []RawMessage, log logrus.FieldLogger) []model.Message {
	out := make([]model.Message, 0, len(raws))
	for _, r := range raws {
		out = append(out, Message(accountID, r, log))
	}
	return out
}

// Merge reconciles incoming remote messages against the stored copies keyed
// by remote id. Local ids and fetched bodies survive; messages with local
// changes still waiting for upload keep their local flags and status.
func Merge(existing map[string]model.Message, incoming []model.Message, now time.Time) []model.Message {
	out := make([]model.Message, 0, len(incoming))
	for _, in := range incoming {
		m := in
		m.LastSyncedAt = now
		if old, ok := existing[in.RemoteID]; ok {
			m.ID = old.ID
			if m.Body == nil {
				m.Body = old.Body
				m.BodyIsHTML = old.BodyIsHTML
			}
			if m.FolderID == "" {
				m.FolderID = old.FolderID
			}
			if old.SyncStatus.Pending() {
				m.IsRead = old.IsRead
				m.IsStarred = old.IsStarred
				m.FolderID = old.FolderID
				m.SyncStatus = old.SyncStatus
			}
		} else {
			m.ID = uuid.NewString()
		}
		if m.SyncStatus == "" {
			m.SyncStatus = model.StatusSynced
		}
		out = append(out, m)
	}
	return out
}

// ApplyDelta turns a delta result into the rows to upsert and the remote ids
// to delete.
func ApplyDelta(existing map[string]model.Message, delta *model.DeltaSyncResult[model.Message], now time.Time) (upserts []model.Message, deletes []string) {
	if delta == nil {
		return nil, nil
	}
	deleted := make(map[string]bool, len(delta.DeletedIDs))
	for _, id := range delta.DeletedIDs {
		deleted[id] = true
	}
	var keep []model.Message
	for _, m := range delta.NewOrUpdated {
		if !deleted[m.RemoteID] {
			keep = append(keep, m)
		}
	}
	return Merge(existing, keep, now), delta.DeletedIDs
}

// RemoteIDs lists the remote ids of msgs.
func RemoteIDs(msgs []model.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.RemoteID != "" {
			ids = append(ids, m.RemoteID)
		}
	}
	return ids
}
