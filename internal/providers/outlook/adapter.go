package outlook

import (
	"context"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/reconcile"
)

// Scopes are requested when resolving credentials of Microsoft accounts.
var Scopes = []string{"https://graph.microsoft.com/Mail.ReadWrite"}

const folderPageSize = 100

// Adapter implements mail.Service for Outlook/Microsoft Graph
type Adapter struct {
	client    *msgraphsdk.GraphServiceClient
	userID    string
	accountID string
	log       logrus.FieldLogger
}

// New creates an adapter for the mailbox of account, authenticated with
// cred.
func New(ctx context.Context, account mail.Account, cred *mail.Credential, log logrus.FieldLogger) (*Adapter, error) {
	if account.Email == "" {
		return nil, errors.Errorf("account %s has no mailbox address", account.ID)
	}
	tc := &staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tc, Scopes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Graph client")
	}
	return &Adapter{
		client:    client,
		userID:    account.Email,
		accountID: account.ID,
		log:       log.WithFields(logrus.Fields{"provider": "outlook", "account": account.ID}),
	}, nil
}

// Factory adapts New to the backend constructor shape.
func Factory(log logrus.FieldLogger) func(context.Context, mail.Account, *mail.Credential) (mail.Service, error) {
	return func(ctx context.Context, account mail.Account, cred *mail.Credential) (mail.Service, error) {
		return New(ctx, account, cred, log)
	}
}

func (a *Adapter) user() *users.UserItemRequestBuilder {
	return a.client.Users().ByUserId(a.userID)
}

func (a *Adapter) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	top := int32(folderPageSize)
	builder := a.user().MailFolders()
	resp, err := builder.Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Top: &top},
	})
	var raws []reconcile.RawFolder
	for {
		if err != nil {
			return nil, errors.Wrap(err, "failed to list mail folders")
		}
		for _, f := range resp.GetValue() {
			raws = append(raws, rawFolder(f))
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		resp, err = builder.WithUrl(*next).Get(ctx, nil)
	}
	return reconcile.Folders(a.accountID, raws, a.log), nil
}

func rawFolder(f models.MailFolderable) reconcile.RawFolder {
	return reconcile.RawFolder{
		ID:     deref(f.GetId()),
		Name:   deref(f.GetDisplayName()),
		Total:  int(deref(f.GetTotalItemCount())),
		Unread: int(deref(f.GetUnreadItemCount())),
		Hidden: deref(f.GetIsHidden()),
	}
}

// ListMessages lists folderID newest first. The page token is the Graph
// next link.
func (a *Adapter) ListMessages(ctx context.Context, folderID string, fields []string, maxResults int, pageToken string) (*mail.Page, error) {
	builder := a.user().MailFolders().ByMailFolderId(folderID).Messages()
	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if pageToken != "" {
		resp, err = builder.WithUrl(pageToken).Get(ctx, nil)
	} else {
		top := int32(maxResults)
		resp, err = builder.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Top:     &top,
				Select:  selectFields(fields),
				Orderby: []string{"receivedDateTime desc"},
			},
		})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list messages of %s", folderID)
	}
	return &mail.Page{
		Messages:      a.normalizeAll(resp.GetValue(), folderID),
		NextPageToken: deref(resp.GetOdataNextLink()),
	}, nil
}

func (a *Adapter) ListThreadMessages(ctx context.Context, threadID, folderID string, fields []string, maxResults int) ([]mail.Message, error) {
	top := int32(maxResults)
	filter := "conversationId eq '" + strings.ReplaceAll(threadID, "'", "''") + "'"
	resp, err := a.user().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Filter: &filter,
			Select: selectFields(fields),
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list conversation %s", threadID)
	}
	return a.normalizeAll(resp.GetValue(), folderID), nil
}

// SyncMessages runs a delta query on folderID. syncToken is the delta link
// of the previous round; without one a fresh delta round starts and its
// results become the baseline. Graph answers an expired link with 410.
func (a *Adapter) SyncMessages(ctx context.Context, folderID, syncToken string) (*mail.DeltaSyncResult[mail.Message], error) {
	builder := a.user().MailFolders().ByMailFolderId(folderID).Messages().Delta()
	var (
		resp users.ItemMailFoldersItemMessagesDeltaGetResponseable
		err  error
	)
	if syncToken != "" {
		resp, err = builder.WithUrl(syncToken).GetAsDeltaGetResponse(ctx, nil)
	} else {
		resp, err = builder.GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Select: selectFields(mail.HeaderFields),
			},
		})
	}

	res := &mail.DeltaSyncResult[mail.Message]{}
	for {
		if err != nil {
			return nil, errors.Wrapf(err, "delta query on %s", folderID)
		}
		for _, m := range resp.GetValue() {
			if removed(m) {
				res.DeletedIDs = append(res.DeletedIDs, deref(m.GetId()))
				continue
			}
			res.NewOrUpdated = append(res.NewOrUpdated, a.normalize(m, folderID))
		}
		if link := deref(resp.GetOdataDeltaLink()); link != "" {
			res.NextSyncToken = link
			return res, nil
		}
		next := deref(resp.GetOdataNextLink())
		if next == "" {
			return res, nil
		}
		resp, err = builder.WithUrl(next).GetAsDeltaGetResponse(ctx, nil)
	}
}

// removed reports whether a delta entry is a tombstone.
func removed(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

func (a *Adapter) GetMessageBody(ctx context.Context, messageID string) (*mail.MessageBody, error) {
	msg, err := a.user().Messages().ByMessageId(messageID).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "body", "hasAttachments"},
			Expand: []string{"attachments($select=id,name,contentType,size,isInline)"},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get message %s", messageID)
	}
	return messageBody(msg), nil
}

func messageBody(msg models.Messageable) *mail.MessageBody {
	body := &mail.MessageBody{}
	if b := msg.GetBody(); b != nil {
		body.Content = deref(b.GetContent())
		if ct := b.GetContentType(); ct != nil {
			body.IsHTML = *ct == models.HTML_BODYTYPE
		}
	}
	for _, att := range msg.GetAttachments() {
		a := mail.Attachment{
			RemoteID: deref(att.GetId()),
			Filename: deref(att.GetName()),
			MIMEType: deref(att.GetContentType()),
			Size:     int64(deref(att.GetSize())),
			Inline:   deref(att.GetIsInline()),
		}
		if fa, ok := att.(models.FileAttachmentable); ok {
			a.ContentID = deref(fa.GetContentId())
		}
		body.Attachments = append(body.Attachments, a)
	}
	return body
}

func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	att, err := a.user().Messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get attachment %s", attachmentID)
	}
	fa, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, errors.Errorf("attachment %s has no file content", attachmentID)
	}
	return fa.GetContentBytes(), nil
}

func (a *Adapter) Search(ctx context.Context, query string, maxResults int) ([]mail.Message, error) {
	top := int32(maxResults)
	q := `"` + strings.ReplaceAll(query, `"`, `\"`) + `"`
	resp, err := a.user().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Search: &q,
			Select: selectFields(mail.HeaderFields),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to search messages")
	}
	return a.normalizeAll(resp.GetValue(), ""), nil
}

func (a *Adapter) MarkRead(ctx context.Context, messageID string, read bool) error {
	patch := models.NewMessage()
	patch.SetIsRead(&read)
	if _, err := a.user().Messages().ByMessageId(messageID).Patch(ctx, patch, nil); err != nil {
		return errors.Wrapf(err, "failed to update message %s", messageID)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, messageID string) error {
	if err := a.user().Messages().ByMessageId(messageID).Delete(ctx, nil); err != nil {
		return errors.Wrapf(err, "failed to delete message %s", messageID)
	}
	return nil
}

// Move returns the moved message; Graph issues it a new id.
func (a *Adapter) Move(ctx context.Context, messageID, destinationID, sourceID string) (*mail.Message, error) {
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&destinationID)
	moved, err := a.user().Messages().ByMessageId(messageID).Move().Post(ctx, body, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to move message %s", messageID)
	}
	m := a.normalize(moved, destinationID)
	return &m, nil
}

var graphFields = map[string][]string{
	mail.FieldID:       {"id"},
	mail.FieldThreadID: {"conversationId"},
	mail.FieldSubject:  {"subject"},
	mail.FieldSnippet:  {"bodyPreview"},
	mail.FieldFrom:     {"from"},
	mail.FieldTo:       {"toRecipients", "ccRecipients"},
	mail.FieldDate:     {"receivedDateTime", "sentDateTime"},
	mail.FieldFlags:    {"isRead", "flag", "hasAttachments", "isDraft"},
}

// selectFields maps canonical field names to a Graph $select list.
func selectFields(fields []string) []string {
	out := []string{"id", "parentFolderId"}
	for _, f := range fields {
		for _, g := range graphFields[f] {
			if g != "id" {
				out = append(out, g)
			}
		}
	}
	return out
}

func (a *Adapter) normalizeAll(msgs []models.Messageable, folderID string) []mail.Message {
	out := make([]mail.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, a.normalize(m, folderID))
	}
	return out
}

// normalize converts an Outlook message to the canonical record.
func (a *Adapter) normalize(m models.Messageable, folderID string) mail.Message {
	raw := reconcile.RawMessage{
		ID:             deref(m.GetId()),
		ThreadID:       deref(m.GetConversationId()),
		FolderID:       deref(m.GetParentFolderId()),
		Subject:        deref(m.GetSubject()),
		Snippet:        deref(m.GetBodyPreview()),
		To:             extractAddresses(m.GetToRecipients()),
		Cc:             extractAddresses(m.GetCcRecipients()),
		IsRead:         deref(m.GetIsRead()),
		HasAttachments: deref(m.GetHasAttachments()),
		IsDraft:        deref(m.GetIsDraft()),
	}
	if raw.FolderID == "" {
		raw.FolderID = folderID
	}
	if from := m.GetFrom(); from != nil {
		raw.From = formatAddress(from)
	}
	if t := m.GetReceivedDateTime(); t != nil {
		raw.Received = t.UTC()
	}
	if t := m.GetSentDateTime(); t != nil {
		raw.Sent = t.UTC()
	}
	if flag := m.GetFlag(); flag != nil {
		if s := flag.GetFlagStatus(); s != nil {
			raw.IsStarred = *s == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
	}
	return reconcile.Message(a.accountID, raw, a.log)
}

func formatAddress(r models.Recipientable) string {
	e := r.GetEmailAddress()
	if e == nil {
		return ""
	}
	addr := netmail.Address{Name: deref(e.GetName()), Address: deref(e.GetAddress())}
	if addr.Name == "" {
		return addr.Address
	}
	return addr.String()
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	exp := c.expiry
	if exp.IsZero() {
		exp = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: exp}, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
