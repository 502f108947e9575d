package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/reconcile"
)

const (
	user = "me"

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet    = 5
	quotaUnitsMessagesList   = 5
	quotaUnitsMessagesModify = 5
	quotaUnitsMessagesTrash  = 5
	quotaUnitsAttachmentsGet = 5
	quotaUnitsThreadsGet     = 10
	quotaUnitsLabelsList     = 1
	quotaUnitsLabelsGet      = 1
	quotaUnitsHistoryList    = 2
	quotaUnitsPerGetProfile  = 1

	defaultQuotaUnitsPerSecond = 250
	metadataFetchConcurrency   = 8
)

// Scopes are requested when resolving credentials of Gmail accounts.
var Scopes = []string{gmail.GmailModifyScope}

var metadataHeaders = []string{"Subject", "From", "To", "Cc", "Date"}

// Adapter implements mail.Service for Gmail. Gmail labels play the role of
// folders.
type Adapter struct {
	svc       *gmail.Service
	limiter   *rate.Limiter
	accountID string
	log       logrus.FieldLogger
}

// NewLimiter returns a limiter spending 80% of quotaPerSecond, bursting to
// the full quota.
func NewLimiter(quotaPerSecond float64) *rate.Limiter {
	if quotaPerSecond <= 0 {
		quotaPerSecond = defaultQuotaUnitsPerSecond
	}
	return rate.NewLimiter(rate.Limit(quotaPerSecond*0.8), int(quotaPerSecond))
}

// New creates an adapter for the account whose access token is cred.
func New(ctx context.Context, accountID string, cred *mail.Credential, limiter *rate.Limiter, log logrus.FieldLogger, opts ...option.ClientOption) (*Adapter, error) {
	if cred != nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			Expiry:       cred.Expiry,
			TokenType:    "Bearer",
		})
		opts = append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}, opts...)
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Gmail service")
	}
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &Adapter{
		svc:       svc,
		limiter:   limiter,
		accountID: accountID,
		log:       log.WithFields(logrus.Fields{"provider": "gmail", "account": accountID}),
	}, nil
}

// Factory returns a constructor sharing one quota limiter per account.
func Factory(quotaPerSecond float64, log logrus.FieldLogger) func(context.Context, mail.Account, *mail.Credential) (mail.Service, error) {
	var mu gosync.Mutex
	limiters := make(map[string]*rate.Limiter)
	return func(ctx context.Context, account mail.Account, cred *mail.Credential) (mail.Service, error) {
		mu.Lock()
		l, ok := limiters[account.ID]
		if !ok {
			l = NewLimiter(quotaPerSecond)
			limiters[account.ID] = l
		}
		mu.Unlock()
		return New(ctx, account.ID, cred, l, log)
	}
}

func (a *Adapter) wait(ctx context.Context, units int) error {
	return a.limiter.WaitN(ctx, units)
}

func (a *Adapter) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	if err := a.wait(ctx, quotaUnitsLabelsList); err != nil {
		return nil, err
	}
	resp, err := a.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list labels")
	}

	raws := make([]reconcile.RawFolder, len(resp.Labels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataFetchConcurrency)
	for i, l := range resp.Labels {
		g.Go(func() error {
			// List omits counts; Get carries them.
			if err := a.wait(gctx, quotaUnitsLabelsGet); err != nil {
				return err
			}
			full, err := a.svc.Users.Labels.Get(user, l.Id).Context(gctx).Do()
			if err != nil {
				return errors.Wrapf(err, "getting label %v", l.Id)
			}
			raws[i] = rawFolder(full)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reconcile.Folders(a.accountID, raws, a.log), nil
}

func rawFolder(l *gmail.Label) reconcile.RawFolder {
	f := reconcile.RawFolder{
		ID:     l.Id,
		Name:   l.Name,
		Total:  int(l.MessagesTotal),
		Unread: int(l.MessagesUnread),
		Hidden: l.LabelListVisibility == "labelHide",
	}
	if l.Type == "system" {
		f.Role = l.Id
	}
	return f
}

func (a *Adapter) ListMessages(ctx context.Context, folderID string, fields []string, maxResults int, pageToken string) (*mail.Page, error) {
	if err := a.wait(ctx, quotaUnitsMessagesList); err != nil {
		return nil, err
	}
	call := a.svc.Users.Messages.List(user).Context(ctx).MaxResults(int64(maxResults))
	if folderID != "" {
		call = call.LabelIds(folderID)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list messages")
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	msgs, err := a.getMetadata(ctx, ids, folderID, fields)
	if err != nil {
		return nil, err
	}
	return &mail.Page{Messages: msgs, NextPageToken: resp.NextPageToken}, nil
}

// getMetadata fetches messages in parallel, keeping the order of ids.
// Messages that vanished in between are skipped.
func (a *Adapter) getMetadata(ctx context.Context, ids []string, folderID string, fields []string) ([]mail.Message, error) {
	got := make([]*gmail.Message, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataFetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			m, err := a.getMessage(gctx, id, fields)
			if err != nil {
				if isNotFound(err) {
					a.log.WithField("message", id).Debug("message gone before metadata fetch")
					return nil
				}
				return err
			}
			got[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]mail.Message, 0, len(got))
	for _, m := range got {
		if m != nil {
			out = append(out, a.normalize(m, folderID))
		}
	}
	return out, nil
}

func (a *Adapter) getMessage(ctx context.Context, id string, fields []string) (*gmail.Message, error) {
	headers := metadataHeaders
	if !wants(fields, mail.FieldFrom) {
		headers = []string{"Subject", "Date"}
	}
	if err := a.wait(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}
	m, err := a.svc.Users.Messages.Get(user, id).Format("metadata").MetadataHeaders(headers...).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return m, nil
}

func wants(fields []string, f string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}

func (a *Adapter) ListThreadMessages(ctx context.Context, threadID, folderID string, fields []string, maxResults int) ([]mail.Message, error) {
	if err := a.wait(ctx, quotaUnitsThreadsGet); err != nil {
		return nil, err
	}
	t, err := a.svc.Users.Threads.Get(user, threadID).Format("metadata").MetadataHeaders(metadataHeaders...).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "getting thread %v", threadID)
	}
	msgs := t.Messages
	if maxResults > 0 && len(msgs) > maxResults {
		msgs = msgs[len(msgs)-maxResults:]
	}
	out := make([]mail.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, a.normalize(m, folderID))
	}
	return out, nil
}

// SyncMessages replays mailbox history since syncToken, a Gmail history id.
// Without a token it only returns the current history id. A history id
// Gmail no longer keeps surfaces as a 404.
func (a *Adapter) SyncMessages(ctx context.Context, folderID, syncToken string) (*mail.DeltaSyncResult[mail.Message], error) {
	if syncToken == "" {
		if err := a.wait(ctx, quotaUnitsPerGetProfile); err != nil {
			return nil, err
		}
		p, err := a.svc.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, errors.Wrap(err, "unable to get profile")
		}
		return &mail.DeltaSyncResult[mail.Message]{NextSyncToken: strconv.FormatUint(p.HistoryId, 10)}, nil
	}
	start, err := strconv.ParseUint(syncToken, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid history id %q", syncToken)
	}

	changed := make(map[string]bool)
	deleted := make(map[string]bool)
	var order []string
	touch := func(id string) {
		if !changed[id] {
			changed[id] = true
			order = append(order, id)
		}
		delete(deleted, id)
	}
	latest := start

	call := a.svc.Users.History.List(user).StartHistoryId(start).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").Context(ctx)
	if folderID != "" {
		call = call.LabelId(folderID)
	}
	if err := a.wait(ctx, quotaUnitsHistoryList); err != nil {
		return nil, err
	}
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			for _, r := range h.MessagesAdded {
				touch(r.Message.Id)
			}
			for _, r := range h.LabelsAdded {
				touch(r.Message.Id)
			}
			for _, r := range h.LabelsRemoved {
				if folderID != "" && contains(r.LabelIds, folderID) {
					delete(changed, r.Message.Id)
					deleted[r.Message.Id] = true
					continue
				}
				touch(r.Message.Id)
			}
			for _, r := range h.MessagesDeleted {
				delete(changed, r.Message.Id)
				deleted[r.Message.Id] = true
			}
		}
		if page.NextPageToken != "" {
			return a.wait(ctx, quotaUnitsHistoryList)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list history")
	}

	ids := make([]string, 0, len(order))
	for _, id := range order {
		if changed[id] {
			ids = append(ids, id)
		}
	}
	msgs, err := a.getMetadata(ctx, ids, folderID, mail.HeaderFields)
	if err != nil {
		return nil, err
	}
	res := &mail.DeltaSyncResult[mail.Message]{NewOrUpdated: msgs, NextSyncToken: strconv.FormatUint(latest, 10)}
	for id := range deleted {
		res.DeletedIDs = append(res.DeletedIDs, id)
	}
	return res, nil
}

func (a *Adapter) GetMessageBody(ctx context.Context, messageID string) (*mail.MessageBody, error) {
	if err := a.wait(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}
	m, err := a.svc.Users.Messages.Get(user, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", messageID)
	}
	body := &mail.MessageBody{}
	var plain string
	var walk func(p *gmail.MessagePart) error
	walk = func(p *gmail.MessagePart) error {
		if p == nil {
			return nil
		}
		if p.Filename != "" && p.Body != nil && p.Body.AttachmentId != "" {
			att := mail.Attachment{
				RemoteID: p.Body.AttachmentId,
				Filename: p.Filename,
				MIMEType: p.MimeType,
				Size:     p.Body.Size,
			}
			for _, h := range p.Headers {
				switch strings.ToLower(h.Name) {
				case "content-id":
					att.ContentID = strings.Trim(h.Value, "<>")
				case "content-disposition":
					att.Inline = strings.HasPrefix(strings.ToLower(h.Value), "inline")
				}
			}
			body.Attachments = append(body.Attachments, att)
			return nil
		}
		if p.Body != nil && p.Body.Data != "" {
			data, err := decode(p.Body.Data)
			if err != nil {
				return errors.Wrapf(err, "decoding part of message %v", messageID)
			}
			switch p.MimeType {
			case "text/html":
				if !body.IsHTML {
					body.Content, body.IsHTML = string(data), true
				}
			case "text/plain":
				if plain == "" {
					plain = string(data)
				}
			}
		}
		for _, c := range p.Parts {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(m.Payload); err != nil {
		return nil, err
	}
	if !body.IsHTML {
		body.Content = plain
	}
	return body, nil
}

func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if err := a.wait(ctx, quotaUnitsAttachmentsGet); err != nil {
		return nil, err
	}
	b, err := a.svc.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "getting attachment %v of message %v", attachmentID, messageID)
	}
	data, err := decode(b.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding attachment %v", attachmentID)
	}
	return data, nil
}

func (a *Adapter) Search(ctx context.Context, query string, maxResults int) ([]mail.Message, error) {
	if err := a.wait(ctx, quotaUnitsMessagesList); err != nil {
		return nil, err
	}
	resp, err := a.svc.Users.Messages.List(user).Q(query).MaxResults(int64(maxResults)).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to search messages")
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return a.getMetadata(ctx, ids, "", mail.HeaderFields)
}

func (a *Adapter) MarkRead(ctx context.Context, messageID string, read bool) error {
	req := &gmail.ModifyMessageRequest{}
	if read {
		req.RemoveLabelIds = []string{"UNREAD"}
	} else {
		req.AddLabelIds = []string{"UNREAD"}
	}
	return a.modify(ctx, messageID, req)
}

// Delete moves the message to the trash, as Gmail clients do.
func (a *Adapter) Delete(ctx context.Context, messageID string) error {
	if err := a.wait(ctx, quotaUnitsMessagesTrash); err != nil {
		return err
	}
	if _, err := a.svc.Users.Messages.Trash(user, messageID).Context(ctx).Do(); err != nil {
		return errors.Wrapf(err, "trashing message %v", messageID)
	}
	return nil
}

// Move relabels the message. The message id is stable across moves.
func (a *Adapter) Move(ctx context.Context, messageID, destinationID, sourceID string) (*mail.Message, error) {
	req := &gmail.ModifyMessageRequest{AddLabelIds: []string{destinationID}}
	if sourceID != "" && sourceID != destinationID {
		req.RemoveLabelIds = []string{sourceID}
	}
	if err := a.modify(ctx, messageID, req); err != nil {
		return nil, err
	}
	return &mail.Message{RemoteID: messageID, FolderID: destinationID}, nil
}

func (a *Adapter) modify(ctx context.Context, messageID string, req *gmail.ModifyMessageRequest) error {
	if err := a.wait(ctx, quotaUnitsMessagesModify); err != nil {
		return err
	}
	if _, err := a.svc.Users.Messages.Modify(user, messageID, req).Context(ctx).Do(); err != nil {
		return errors.Wrapf(err, "modifying message %v", messageID)
	}
	return nil
}

// normalize converts a Gmail message to the canonical record. The folder is
// folderID when the message carries that label.
func (a *Adapter) normalize(m *gmail.Message, folderID string) mail.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}
	raw := reconcile.RawMessage{
		ID:        m.Id,
		ThreadID:  m.ThreadId,
		FolderID:  folderOf(m.LabelIds, folderID),
		Subject:   headers["Subject"],
		Snippet:   m.Snippet,
		From:      headers["From"],
		To:        splitAddrs(headers["To"]),
		Cc:        splitAddrs(headers["Cc"]),
		SentRaw:   headers["Date"],
		IsRead:    !contains(m.LabelIds, "UNREAD"),
		IsStarred: contains(m.LabelIds, "STARRED"),
		IsDraft:   contains(m.LabelIds, "DRAFT"),
	}
	if m.InternalDate > 0 {
		raw.ReceivedRaw = strconv.FormatInt(m.InternalDate, 10)
	}
	if m.Payload != nil {
		raw.HasAttachments = hasAttachments(m.Payload)
	}
	return reconcile.Message(a.accountID, raw, a.log)
}

func hasAttachments(p *gmail.MessagePart) bool {
	if p.Filename != "" {
		return true
	}
	if strings.EqualFold(p.MimeType, "multipart/mixed") {
		return true
	}
	for _, c := range p.Parts {
		if hasAttachments(c) {
			return true
		}
	}
	return false
}

var folderPreference = []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}

func folderOf(labels []string, preferred string) string {
	if preferred != "" && contains(labels, preferred) {
		return preferred
	}
	for _, l := range folderPreference {
		if contains(labels, l) {
			return l
		}
	}
	for _, l := range labels {
		if l != "UNREAD" && l != "STARRED" && l != "IMPORTANT" && !strings.HasPrefix(l, "CATEGORY_") {
			return l
		}
	}
	return preferred
}

func contains(xs []string, x string) bool {
	for _, y := range xs {
		if y == x {
			return true
		}
	}
	return false
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func decode(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func isNotFound(err error) bool {
	e := Mapper{}.Map(err)
	return e != nil && e.Code == http.StatusNotFound
}
