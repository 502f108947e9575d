// Package reconcile maps provider payloads to canonical records and merges
// remote results with what is already stored locally.
package reconcile

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// RawFolder is a folder as a provider describes it, before normalization.
type RawFolder struct {
	ID     string
	Name   string
	Total  int
	Unread int
	// Role carries a provider hint such as a Gmail system label id or an
	// Outlook well-known folder name.
	Role string
	// Hidden is set when the provider itself marks the folder invisible.
	Hidden bool
}

var folderAliases = map[string]mail.FolderType{
	"inbox": mail.FolderInbox,

	"sent":              mail.FolderSentItems,
	"sent items":        mail.FolderSentItems,
	"sentitems":         mail.FolderSentItems,
	"sent mail":         mail.FolderSentItems,
	"sent messages":     mail.FolderSentItems,
	"[gmail]/sent mail": mail.FolderSentItems,

	"draft":          mail.FolderDrafts,
	"drafts":         mail.FolderDrafts,
	"[gmail]/drafts": mail.FolderDrafts,

	"archive":          mail.FolderArchive,
	"archives":         mail.FolderArchive,
	"all mail":         mail.FolderArchive,
	"[gmail]/all mail": mail.FolderArchive,

	"trash":            mail.FolderTrash,
	"bin":              mail.FolderTrash,
	"deleted items":    mail.FolderTrash,
	"deleteditems":     mail.FolderTrash,
	"deleted messages": mail.FolderTrash,
	"[gmail]/trash":    mail.FolderTrash,

	"spam":         mail.FolderSpam,
	"junk":         mail.FolderSpam,
	"junk email":   mail.FolderSpam,
	"junk e-mail":  mail.FolderSpam,
	"junkemail":    mail.FolderSpam,
	"bulk mail":    mail.FolderSpam,
	"[gmail]/spam": mail.FolderSpam,

	"important":         mail.FolderImportant,
	"[gmail]/important": mail.FolderImportant,
	"starred":           mail.FolderStarred,
	"flagged":           mail.FolderStarred,
	"[gmail]/starred":   mail.FolderStarred,

	"unread":               mail.FolderHidden,
	"chat":                 mail.FolderHidden,
	"chats":                mail.FolderHidden,
	"[gmail]":              mail.FolderHidden,
	"conversation history": mail.FolderHidden,
	"conversationhistory":  mail.FolderHidden,
	"sync issues":          mail.FolderHidden,
	"syncissues":           mail.FolderHidden,
	"outbox":               mail.FolderHidden,
	"rss feeds":            mail.FolderHidden,
	"rssfeeds":             mail.FolderHidden,
}

// allMailAliases stand in for Archive only while the account has no
// dedicated archive folder; otherwise they take the AllMail slot.
var allMailAliases = map[string]bool{
	"all mail":         true,
	"[gmail]/all mail": true,
}

// slotOrder lists the canonical slots that lead the folder list.
var slotOrder = []mail.FolderType{
	mail.FolderInbox,
	mail.FolderDrafts,
	mail.FolderSentItems,
	mail.FolderSpam,
	mail.FolderTrash,
	mail.FolderArchive,
	mail.FolderAllMail,
}

// FolderType infers the well-known type of a raw folder.
func FolderType(f RawFolder) mail.FolderType {
	t, _ := inferType(f)
	return t
}

// inferType also reports whether the match came from an All Mail alias.
func inferType(f RawFolder) (mail.FolderType, bool) {
	if f.Hidden {
		return mail.FolderHidden, false
	}
	for _, s := range []string{f.Role, f.Name} {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" {
			continue
		}
		if strings.HasPrefix(key, "category_") {
			return mail.FolderHidden, false
		}
		if t, ok := folderAliases[key]; ok {
			return t, allMailAliases[key]
		}
	}
	return mail.FolderUserCreated, false
}

// Folders normalizes a provider folder list: hidden folders are dropped,
// the first folder of each well-known type keeps it and later ones are
// demoted to Other, canonical slots come first and everything else follows
// alphabetically. An All Mail folder is the Archive unless the list also
// has a dedicated archive, in which case it keeps its own AllMail slot.
func Folders(accountID string, raws []RawFolder, log logrus.FieldLogger) []mail.Folder {
	hasArchive := false
	for _, r := range raws {
		if t, allMail := inferType(r); t == mail.FolderArchive && !allMail {
			hasArchive = true
		}
	}

	claimed := make(map[mail.FolderType]bool)
	folders := make([]mail.Folder, 0, len(raws))
	for _, r := range raws {
		t, allMail := inferType(r)
		if allMail && hasArchive {
			t = mail.FolderAllMail
		}
		if t == mail.FolderHidden {
			if log != nil {
				log.WithFields(logrus.Fields{"account": accountID, "folder": r.Name}).Debug("skipping hidden folder")
			}
			continue
		}
		if t != mail.FolderUserCreated {
			if claimed[t] {
				t = mail.FolderOther
			} else {
				claimed[t] = true
			}
		}
		folders = append(folders, mail.Folder{
			ID:          r.ID,
			AccountID:   accountID,
			DisplayName: r.Name,
			TotalCount:  r.Total,
			UnreadCount: r.Unread,
			Type:        t,
		})
	}

	rank := func(t mail.FolderType) int {
		for i, s := range slotOrder {
			if s == t {
				return i
			}
		}
		return len(slotOrder)
	}
	sort.SliceStable(folders, func(i, j int) bool {
		ri, rj := rank(folders[i].Type), rank(folders[j].Type)
		if ri != rj {
			return ri < rj
		}
		ni, nj := strings.ToLower(folders[i].DisplayName), strings.ToLower(folders[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return folders[i].ID < folders[j].ID
	})
	for i := range folders {
		folders[i].Position = i
	}
	return folders
}
