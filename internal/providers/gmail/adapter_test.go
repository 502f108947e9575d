package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/mail"
)

func newTestAdapter(t *testing.T, mux *http.ServeMux) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	log := logrus.New()
	log.SetOutput(io.Discard)
	a, err := New(context.Background(), "g", nil, nil, log,
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestListFoldersNormalizesLabels(t *testing.T) {
	labels := map[string]string{
		"INBOX":        `{"id":"INBOX","name":"INBOX","type":"system","messagesTotal":10,"messagesUnread":2}`,
		"SENT":         `{"id":"SENT","name":"SENT","type":"system"}`,
		"CATEGORY_FOO": `{"id":"CATEGORY_FOO","name":"CATEGORY_FOO","type":"system"}`,
		"Label_1":      `{"id":"Label_1","name":"Receipts","type":"user"}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/labels", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"labels":[{"id":"Label_1"},{"id":"SENT"},{"id":"CATEGORY_FOO"},{"id":"INBOX"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/labels/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/gmail/v1/users/me/labels/"):]
		fmt.Fprint(w, labels[id])
	})

	got, err := newTestAdapter(t, mux).ListFolders(context.Background())
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	want := []mail.Folder{
		{ID: "INBOX", AccountID: "g", DisplayName: "INBOX", TotalCount: 10, UnreadCount: 2, Type: mail.FolderInbox, Position: 0},
		{ID: "SENT", AccountID: "g", DisplayName: "SENT", Type: mail.FolderSentItems, Position: 1},
		{ID: "Label_1", AccountID: "g", DisplayName: "Receipts", Type: mail.FolderUserCreated, Position: 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("folders mismatch (-want +got):\n%s", diff)
	}
}

func TestListMessagesFetchesMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("labelIds"); got != "INBOX" {
			t.Errorf("labelIds = %q", got)
		}
		fmt.Fprint(w, `{"messages":[{"id":"m1"},{"id":"gone"}],"nextPageToken":"p2"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"m1","threadId":"t1","labelIds":["INBOX","UNREAD"],"snippet":"hi",
			"internalDate":"1700000000000",
			"payload":{"headers":[{"name":"Subject","value":"Hello"},{"name":"From","value":"Ann <ann@x>"},{"name":"To","value":"a@x, b@x"}]}}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	})

	page, err := newTestAdapter(t, mux).ListMessages(context.Background(), "INBOX", mail.HeaderFields, 50, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if page.NextPageToken != "p2" || len(page.Messages) != 1 {
		t.Fatalf("page = %+v", page)
	}
	m := page.Messages[0]
	if m.RemoteID != "m1" || m.ThreadID != "t1" || m.FolderID != "INBOX" || m.IsRead || m.Subject != "Hello" {
		t.Errorf("message = %+v", m)
	}
	if diff := cmp.Diff([]string{"a@x", "b@x"}, m.To); diff != "" {
		t.Errorf("to mismatch (-want +got):\n%s", diff)
	}
	if m.ReceivedAt.UnixMilli() != 1700000000000 {
		t.Errorf("received = %v", m.ReceivedAt)
	}
}

func TestSyncMessagesExpiredHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found.","errors":[{"reason":"notFound"}]}}`)
	})

	_, err := newTestAdapter(t, mux).SyncMessages(context.Background(), "INBOX", "42")
	e := Mapper{}.Map(err)
	if e == nil || e.Kind != mail.KindProviderAPI || e.Code != http.StatusNotFound {
		t.Fatalf("mapped = %+v, want provider 404", e)
	}
}

func TestSyncMessagesReplaysHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"historyId":"50","history":[
			{"id":"43","messagesAdded":[{"message":{"id":"n1"}}]},
			{"id":"44","labelsRemoved":[{"message":{"id":"old"},"labelIds":["INBOX"]}]},
			{"id":"45","messagesDeleted":[{"message":{"id":"x"}}]}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/n1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"n1","threadId":"n1","labelIds":["INBOX"]}`)
	})

	res, err := newTestAdapter(t, mux).SyncMessages(context.Background(), "INBOX", "42")
	if err != nil {
		t.Fatalf("SyncMessages: %v", err)
	}
	if res.NextSyncToken != "50" || len(res.NewOrUpdated) != 1 || res.NewOrUpdated[0].RemoteID != "n1" {
		t.Errorf("result = %+v", res)
	}
	if len(res.DeletedIDs) != 2 {
		t.Errorf("deleted = %v, want old and x", res.DeletedIDs)
	}
}

func TestGetMessageBodyPrefersHTML(t *testing.T) {
	enc := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":"m1","payload":{"mimeType":"multipart/mixed","parts":[
			{"mimeType":"multipart/alternative","parts":[
				{"mimeType":"text/plain","body":{"data":%q}},
				{"mimeType":"text/html","body":{"data":%q}}]},
			{"mimeType":"application/pdf","filename":"a.pdf","body":{"attachmentId":"att1","size":3}}]}}`,
			enc("plain"), enc("<b>html</b>"))
	})

	body, err := newTestAdapter(t, mux).GetMessageBody(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessageBody: %v", err)
	}
	if !body.IsHTML || body.Content != "<b>html</b>" {
		t.Errorf("body = %+v", body)
	}
	want := []mail.Attachment{{RemoteID: "att1", Filename: "a.pdf", MIMEType: "application/pdf", Size: 3}}
	if diff := cmp.Diff(want, body.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
}

func TestMapperCredentialAndNetwork(t *testing.T) {
	unauthorized := Mapper{}.Map(fmt.Errorf("list: %w", &googleapi.Error{Code: http.StatusUnauthorized, Message: "Invalid Credentials"}))
	if unauthorized == nil || !unauthorized.AuthRequired {
		t.Errorf("401 mapped to %+v, want auth required", unauthorized)
	}
	if e := (Mapper{}).Map(context.DeadlineExceeded); e == nil || !e.Connectivity {
		t.Errorf("deadline mapped to %+v, want network", e)
	}
	if e := (Mapper{}).Map(errors.New("weird")); e != nil {
		t.Errorf("unknown error mapped to %+v, want nil", e)
	}
}
