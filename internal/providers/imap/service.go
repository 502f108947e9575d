package imap

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/reconcile"
)

// syncWindow is how many of the newest messages a delta round rechecks for
// flag changes and deletions.
const syncWindow = 200

// maxDeletionSpan bounds the uid range scanned for deletions.
const maxDeletionSpan = 10000

var specialUse = map[imap.MailboxAttr]string{
	imap.MailboxAttrSent:    "sent",
	imap.MailboxAttrDrafts:  "drafts",
	imap.MailboxAttrTrash:   "trash",
	imap.MailboxAttrJunk:    "junk",
	imap.MailboxAttrArchive: "archive",
	imap.MailboxAttrAll:     "all mail",
	imap.MailboxAttrFlagged: "flagged",
}

var referencesSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"References"},
	Peek:         true,
}

var fullSection = &imap.FetchItemBodySection{Peek: true}

func (c *Client) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	var raws []reconcile.RawFolder
	err := c.session(ctx, func(cli *imapclient.Client) error {
		boxes, err := cli.List("", "*", nil).Collect()
		if err != nil {
			return errors.Wrap(err, "listing mailboxes")
		}
		for _, b := range boxes {
			f := reconcile.RawFolder{ID: b.Mailbox, Name: b.Mailbox}
			for _, attr := range b.Attrs {
				if role, ok := specialUse[attr]; ok {
					f.Role = role
				}
				if attr == imap.MailboxAttrNoSelect || attr == imap.MailboxAttrNonExistent {
					f.Hidden = true
				}
			}
			if !f.Hidden {
				st, err := cli.Status(b.Mailbox, &imap.StatusOptions{NumMessages: true, NumUnseen: true}).Wait()
				if err != nil {
					return errors.Wrapf(err, "status of %s", b.Mailbox)
				}
				if st.NumMessages != nil {
					f.Total = int(*st.NumMessages)
				}
				if st.NumUnseen != nil {
					f.Unread = int(*st.NumUnseen)
				}
			}
			raws = append(raws, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reconcile.Folders(c.accountID, raws, c.log), nil
}

// ListMessages pages folderID newest first. The page token is the lowest
// uid already returned.
func (c *Client) ListMessages(ctx context.Context, folderID string, fields []string, maxResults int, pageToken string) (*mail.Page, error) {
	var before imap.UID
	if pageToken != "" {
		n, err := strconv.ParseUint(pageToken, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid page token %q", pageToken)
		}
		before = imap.UID(n)
	}
	page := &mail.Page{}
	err := c.session(ctx, func(cli *imapclient.Client) error {
		if _, err := cli.Select(folderID, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", folderID)
		}
		data, err := cli.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return errors.Wrap(err, "searching messages")
		}
		uids := data.AllUIDs()
		if before != 0 {
			uids = slices.DeleteFunc(uids, func(u imap.UID) bool { return u >= before })
		}
		if maxResults > 0 && len(uids) > maxResults {
			uids = uids[len(uids)-maxResults:]
			page.NextPageToken = strconv.FormatUint(uint64(uids[0]), 10)
		}
		page.Messages, err = c.fetchHeaders(cli, folderID, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// fetchHeaders fetches envelopes of uids in folder, newest first.
func (c *Client) fetchHeaders(cli *imapclient.Client, folder string, uids []imap.UID) ([]mail.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	bufs, err := cli.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{referencesSection},
	}).Collect()
	if err != nil {
		return nil, errors.Wrapf(err, "fetching headers from %s", folder)
	}
	slices.SortFunc(bufs, func(a, b *imapclient.FetchMessageBuffer) int {
		return int(int64(b.UID) - int64(a.UID))
	})
	out := make([]mail.Message, 0, len(bufs))
	for _, b := range bufs {
		out = append(out, c.normalize(folder, b))
	}
	return out, nil
}

func (c *Client) normalize(folder string, b *imapclient.FetchMessageBuffer) mail.Message {
	raw := reconcile.RawMessage{
		ID:        remoteID(folder, b.UID),
		FolderID:  folder,
		Received:  b.InternalDate.UTC(),
		IsRead:    slices.Contains(b.Flags, imap.FlagSeen),
		IsStarred: slices.Contains(b.Flags, imap.FlagFlagged),
		IsDraft:   slices.Contains(b.Flags, imap.FlagDraft),
	}
	if env := b.Envelope; env != nil {
		raw.Subject = env.Subject
		if !env.Date.IsZero() {
			raw.Sent = env.Date.UTC()
		}
		if len(env.From) > 0 {
			raw.From = formatAddress(env.From[0])
		}
		raw.To = addrs(env.To)
		raw.Cc = addrs(env.Cc)
		raw.ThreadID = threadRoot(references(b.FindBodySection(referencesSection)), env.InReplyTo, env.MessageID)
	}
	return reconcile.Message(c.accountID, raw, c.log)
}

// threadRoot picks the first message id of the reference chain. Messages
// that reference nothing start their own thread.
func threadRoot(refs, inReplyTo []string, messageID string) string {
	if len(refs) > 0 {
		return refs[0]
	}
	if len(inReplyTo) > 0 {
		return inReplyTo[0]
	}
	return messageID
}

func references(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil
	}
	ids, err := (&gomail.Header{Header: message.Header{Header: h}}).MsgIDList("References")
	if err != nil {
		return nil
	}
	return ids
}

func formatAddress(a imap.Address) string {
	addr := gomail.Address{Name: a.Name, Address: a.Addr()}
	if addr.Name == "" {
		return addr.Address
	}
	return addr.String()
}

func addrs(list []imap.Address) []string {
	var out []string
	for _, a := range list {
		if s := a.Addr(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) ListThreadMessages(ctx context.Context, threadID, folderID string, fields []string, maxResults int) ([]mail.Message, error) {
	var out []mail.Message
	err := c.session(ctx, func(cli *imapclient.Client) error {
		if _, err := cli.Select(folderID, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", folderID)
		}
		crit := &imap.SearchCriteria{Or: [][2]imap.SearchCriteria{{
			{Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: threadID}}},
			{Header: []imap.SearchCriteriaHeaderField{{Key: "References", Value: threadID}}},
		}}}
		data, err := cli.UIDSearch(crit, nil).Wait()
		if err != nil {
			return errors.Wrapf(err, "searching thread %s", threadID)
		}
		uids := data.AllUIDs()
		if maxResults > 0 && len(uids) > maxResults {
			uids = uids[len(uids)-maxResults:]
		}
		out, err = c.fetchHeaders(cli, folderID, uids)
		return err
	})
	return out, err
}

// syncToken is "<uidvalidity>:<uidnext>:<window start>".
type syncToken struct {
	validity uint32
	next     imap.UID
	low      imap.UID
}

func (t syncToken) String() string {
	return strconv.FormatUint(uint64(t.validity), 10) + ":" + strconv.FormatUint(uint64(t.next), 10) + ":" + strconv.FormatUint(uint64(t.low), 10)
}

func parseSyncToken(s string) (syncToken, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return syncToken{}, errors.Errorf("malformed sync token %q", s)
	}
	var n [3]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return syncToken{}, errors.Errorf("malformed sync token %q", s)
		}
		n[i] = v
	}
	return syncToken{validity: uint32(n[0]), next: imap.UID(n[1]), low: imap.UID(n[2])}, nil
}

// errTokenExpired reports a UIDVALIDITY change: every stored uid of the
// folder is void.
var errTokenExpired = errors.New("uidvalidity changed")

// SyncMessages reports messages that arrived since the token, plus flag
// changes and deletions among the newest syncWindow messages. Without a
// token it reports the newest window as the baseline.
func (c *Client) SyncMessages(ctx context.Context, folderID, token string) (*mail.DeltaSyncResult[mail.Message], error) {
	var prev *syncToken
	if token != "" {
		t, err := parseSyncToken(token)
		if err != nil {
			return nil, err
		}
		prev = &t
	}
	res := &mail.DeltaSyncResult[mail.Message]{}
	err := c.session(ctx, func(cli *imapclient.Client) error {
		sel, err := cli.Select(folderID, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return errors.Wrapf(err, "selecting %s", folderID)
		}
		if prev != nil && prev.validity != sel.UIDValidity {
			return errTokenExpired
		}
		data, err := cli.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return errors.Wrap(err, "searching messages")
		}
		all := data.AllUIDs()

		var check []imap.UID
		if prev == nil {
			check = all
			if len(check) > syncWindow {
				check = check[len(check)-syncWindow:]
			}
		} else {
			present := make(map[imap.UID]bool, len(all))
			for _, u := range all {
				if u >= prev.low {
					check = append(check, u)
					present[u] = true
				}
			}
			if prev.next > prev.low && prev.next-prev.low <= maxDeletionSpan {
				for u := prev.low; u < prev.next; u++ {
					if !present[u] {
						res.DeletedIDs = append(res.DeletedIDs, remoteID(folderID, u))
					}
				}
			}
		}
		res.NewOrUpdated, err = c.fetchHeaders(cli, folderID, check)
		if err != nil {
			return err
		}

		next := syncToken{validity: sel.UIDValidity, next: sel.UIDNext}
		window := all
		if len(window) > syncWindow {
			window = window[len(window)-syncWindow:]
		}
		if len(window) > 0 {
			next.low = window[0]
		} else {
			next.low = sel.UIDNext
		}
		res.NextSyncToken = next.String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) fetchRaw(ctx context.Context, id string) ([]byte, error) {
	box, uid, err := parseRemoteID(id)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = c.session(ctx, func(cli *imapclient.Client) error {
		if _, err := cli.Select(box, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", box)
		}
		bufs, err := cli.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{fullSection},
		}).Collect()
		if err != nil {
			return errors.Wrapf(err, "fetching message %s", id)
		}
		if len(bufs) == 0 {
			return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: "no such message " + id}
		}
		raw = bufs[0].FindBodySection(fullSection)
		return nil
	})
	return raw, err
}

// part is one decoded leaf of a MIME message.
type part struct {
	attachment mail.Attachment
	content    []byte
}

// parseMIME splits a raw message into its preferred body and attachments.
// Attachments are numbered in message order starting at 1.
func parseMIME(raw []byte) (*mail.MessageBody, []part, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing message")
	}
	defer mr.Close()

	body := &mail.MessageBody{}
	var plain string
	var parts []part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading message part")
		}
		content, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading message part")
		}
		switch h := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch {
			case ct == "text/html" && !body.IsHTML:
				body.Content, body.IsHTML = string(content), true
				continue
			case ct == "text/plain" && plain == "":
				plain = string(content)
				continue
			case strings.HasPrefix(ct, "text/"):
				continue
			}
			parts = append(parts, part{
				attachment: mail.Attachment{
					MIMEType:  ct,
					Inline:    true,
					ContentID: strings.Trim(h.Get("Content-Id"), "<>"),
					Size:      int64(len(content)),
				},
				content: content,
			})
		case *gomail.AttachmentHeader:
			ct, _, _ := h.ContentType()
			name, _ := h.Filename()
			parts = append(parts, part{
				attachment: mail.Attachment{
					Filename:  name,
					MIMEType:  ct,
					ContentID: strings.Trim(h.Get("Content-Id"), "<>"),
					Size:      int64(len(content)),
				},
				content: content,
			})
		}
	}
	if !body.IsHTML {
		body.Content = plain
	}
	for i := range parts {
		parts[i].attachment.RemoteID = strconv.Itoa(i + 1)
		body.Attachments = append(body.Attachments, parts[i].attachment)
	}
	return body, parts, nil
}

func (c *Client) GetMessageBody(ctx context.Context, messageID string) (*mail.MessageBody, error) {
	raw, err := c.fetchRaw(ctx, messageID)
	if err != nil {
		return nil, err
	}
	body, _, err := parseMIME(raw)
	return body, err
}

func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	raw, err := c.fetchRaw(ctx, messageID)
	if err != nil {
		return nil, err
	}
	_, parts, err := parseMIME(raw)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if p.attachment.RemoteID == attachmentID {
			return p.content, nil
		}
	}
	return nil, &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: "no such attachment"}
}

// Search runs a full-text search on the inbox.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]mail.Message, error) {
	var out []mail.Message
	err := c.session(ctx, func(cli *imapclient.Client) error {
		if _, err := cli.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return errors.Wrap(err, "selecting INBOX")
		}
		data, err := cli.UIDSearch(&imap.SearchCriteria{Text: []string{query}}, nil).Wait()
		if err != nil {
			return errors.Wrap(err, "searching messages")
		}
		uids := data.AllUIDs()
		if maxResults > 0 && len(uids) > maxResults {
			uids = uids[len(uids)-maxResults:]
		}
		out, err = c.fetchHeaders(cli, "INBOX", uids)
		return err
	})
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, messageID string, read bool) error {
	op := imap.StoreFlagsAdd
	if !read {
		op = imap.StoreFlagsDel
	}
	return c.store(ctx, messageID, &imap.StoreFlags{Op: op, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}, false)
}

// Delete flags the message deleted and expunges it.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	return c.store(ctx, messageID, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}, true)
}

func (c *Client) store(ctx context.Context, messageID string, flags *imap.StoreFlags, expunge bool) error {
	box, uid, err := parseRemoteID(messageID)
	if err != nil {
		return err
	}
	return c.session(ctx, func(cli *imapclient.Client) error {
		if _, err := cli.Select(box, nil).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", box)
		}
		set := imap.UIDSetNum(uid)
		if err := cli.Store(set, flags, nil).Close(); err != nil {
			return errors.Wrapf(err, "storing flags on %s", messageID)
		}
		if !expunge {
			return nil
		}
		if cli.Caps().Has(imap.CapUIDPlus) {
			return errors.Wrap(cli.UIDExpunge(set).Close(), "expunge")
		}
		return errors.Wrap(cli.Expunge().Close(), "expunge")
	})
}

// Move moves the message and finds its uid in the destination by
// Message-Id.
func (c *Client) Move(ctx context.Context, messageID, destinationID, sourceID string) (*mail.Message, error) {
	box, uid, err := parseRemoteID(messageID)
	if err != nil {
		return nil, err
	}
	var moved *mail.Message
	err = c.session(ctx, func(cli *imapclient.Client) error {
		if _, err := cli.Select(box, nil).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", box)
		}
		set := imap.UIDSetNum(uid)
		bufs, err := cli.Fetch(set, &imap.FetchOptions{UID: true, Envelope: true}).Collect()
		if err != nil {
			return errors.Wrapf(err, "fetching %s", messageID)
		}
		if len(bufs) == 0 || bufs[0].Envelope == nil {
			return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: "no such message " + messageID}
		}
		msgID := bufs[0].Envelope.MessageID
		if _, err := cli.Move(set, destinationID).Wait(); err != nil {
			return errors.Wrapf(err, "moving %s to %s", messageID, destinationID)
		}
		if msgID == "" {
			return nil
		}

		if _, err := cli.Select(destinationID, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", destinationID)
		}
		data, err := cli.UIDSearch(&imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: msgID}},
		}, nil).Wait()
		if err != nil {
			return errors.Wrap(err, "locating moved message")
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			return nil
		}
		msgs, err := c.fetchHeaders(cli, destinationID, uids[len(uids)-1:])
		if err != nil || len(msgs) == 0 {
			return err
		}
		moved = &msgs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved == nil {
		c.log.WithField("message", messageID).Warn("moved message not found in destination")
		return &mail.Message{RemoteID: messageID, FolderID: destinationID}, nil
	}
	return moved, nil
}
