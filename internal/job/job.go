// Package job defines the prioritized units of sync work and the queue the
// controller drains.
package job

import (
	"fmt"
)

// Kind names a job variant.
type Kind string

const (
	KindFullAccountBootstrap Kind = "full_account_bootstrap"
	KindFullMessageBodyFetch Kind = "full_message_body_fetch"
	KindAttachmentDownload   Kind = "attachment_download"
	KindNextMessageListPage  Kind = "next_message_list_page"
	KindForceRefreshFolder   Kind = "force_refresh_folder"
	KindOnlineSearch         Kind = "online_search"
	KindUploadPendingAction  Kind = "upload_pending_action"
	KindCheckForNewMail      Kind = "check_for_new_mail"
	KindFolderListResync     Kind = "folder_list_resync"
	KindCacheEviction        Kind = "cache_eviction"
)

// Priority tiers; higher drains first.
const (
	PriorityFullAccountBootstrap = 100
	PriorityFullMessageBodyFetch = 95
	PriorityAttachmentDownload   = 90
	PriorityNextMessageListPage  = 90
	PriorityForceRefreshFolder   = 88
	PriorityOnlineSearch         = 85
	PriorityUploadPendingAction  = 75
	PriorityCheckForNewMail      = 50
	PriorityFolderListResync     = 40
	PriorityCacheEviction        = 10
)

// Job is a closed set of work descriptors. Only types in this package
// implement it.
type Job interface {
	Kind() Kind
	Account() string
	Priority() int
	// WorkScore estimates the relative cost of the job.
	WorkScore() int
	// Key identifies the unit of work for coalescing. Pending jobs with
	// equal non-empty keys collapse into the newest one.
	Key() string
	// RequiresNetwork is false only for jobs allowed to run offline.
	RequiresNetwork() bool
	String() string

	sealed()
}

type base struct {
	AccountID string `json:"account_id"`
}

func (b base) Account() string       { return b.AccountID }
func (b base) RequiresNetwork() bool { return true }
func (base) sealed()                 {}

// FullAccountBootstrap fetches folders, the first inbox page and the delta
// checkpoint for a newly added account.
type FullAccountBootstrap struct {
	base
}

func NewFullAccountBootstrap(account string) *FullAccountBootstrap {
	return &FullAccountBootstrap{base{account}}
}

func (j *FullAccountBootstrap) Kind() Kind     { return KindFullAccountBootstrap }
func (j *FullAccountBootstrap) Priority() int  { return PriorityFullAccountBootstrap }
func (j *FullAccountBootstrap) WorkScore() int { return 10 }
func (j *FullAccountBootstrap) Key() string    { return "bootstrap:" + j.AccountID }
func (j *FullAccountBootstrap) String() string { return fmt.Sprintf("bootstrap account %s", j.AccountID) }

// FullMessageBodyFetch downloads the body of one message.
type FullMessageBodyFetch struct {
	base
	MessageID string `json:"message_id"`
}

func NewFullMessageBodyFetch(account, messageID string) *FullMessageBodyFetch {
	return &FullMessageBodyFetch{base{account}, messageID}
}

func (j *FullMessageBodyFetch) Kind() Kind     { return KindFullMessageBodyFetch }
func (j *FullMessageBodyFetch) Priority() int  { return PriorityFullMessageBodyFetch }
func (j *FullMessageBodyFetch) WorkScore() int { return 2 }
func (j *FullMessageBodyFetch) Key() string    { return "body:" + j.AccountID + ":" + j.MessageID }
func (j *FullMessageBodyFetch) String() string {
	return fmt.Sprintf("fetch body of %s (account %s)", j.MessageID, j.AccountID)
}

// AttachmentDownload downloads the content of one attachment.
type AttachmentDownload struct {
	base
	MessageID    string `json:"message_id"`
	AttachmentID string `json:"attachment_id"`
}

func NewAttachmentDownload(account, messageID, attachmentID string) *AttachmentDownload {
	return &AttachmentDownload{base{account}, messageID, attachmentID}
}

func (j *AttachmentDownload) Kind() Kind     { return KindAttachmentDownload }
func (j *AttachmentDownload) Priority() int  { return PriorityAttachmentDownload }
func (j *AttachmentDownload) WorkScore() int { return 5 }
func (j *AttachmentDownload) Key() string    { return "attachment:" + j.AccountID + ":" + j.AttachmentID }
func (j *AttachmentDownload) String() string {
	return fmt.Sprintf("download attachment %s (account %s)", j.AttachmentID, j.AccountID)
}

// NextMessageListPage loads the page of a folder that follows PageToken.
// Requests for the same page coalesce; a request made after that page
// arrived carries the newer token and stays separate.
type NextMessageListPage struct {
	base
	FolderID  string `json:"folder_id"`
	PageToken string `json:"page_token,omitempty"`
}

func NewNextMessageListPage(account, folderID, pageToken string) *NextMessageListPage {
	return &NextMessageListPage{base{account}, folderID, pageToken}
}

func (j *NextMessageListPage) Kind() Kind     { return KindNextMessageListPage }
func (j *NextMessageListPage) Priority() int  { return PriorityNextMessageListPage }
func (j *NextMessageListPage) WorkScore() int { return 3 }
func (j *NextMessageListPage) Key() string {
	return "page:" + j.AccountID + ":" + j.FolderID + ":" + j.PageToken
}
func (j *NextMessageListPage) String() string {
	return fmt.Sprintf("load next page of %s (account %s)", j.FolderID, j.AccountID)
}

// ForceRefreshFolder refetches the first page of a folder.
type ForceRefreshFolder struct {
	base
	FolderID string `json:"folder_id"`
}

func NewForceRefreshFolder(account, folderID string) *ForceRefreshFolder {
	return &ForceRefreshFolder{base{account}, folderID}
}

func (j *ForceRefreshFolder) Kind() Kind     { return KindForceRefreshFolder }
func (j *ForceRefreshFolder) Priority() int  { return PriorityForceRefreshFolder }
func (j *ForceRefreshFolder) WorkScore() int { return 3 }
func (j *ForceRefreshFolder) Key() string    { return "refresh:" + j.AccountID + ":" + j.FolderID }
func (j *ForceRefreshFolder) String() string {
	return fmt.Sprintf("refresh folder %s (account %s)", j.FolderID, j.AccountID)
}

// OnlineSearch runs a server-side search. A newer search for the same
// account replaces a pending one.
type OnlineSearch struct {
	base
	Query string `json:"query"`
}

func NewOnlineSearch(account, query string) *OnlineSearch {
	return &OnlineSearch{base{account}, query}
}

func (j *OnlineSearch) Kind() Kind     { return KindOnlineSearch }
func (j *OnlineSearch) Priority() int  { return PriorityOnlineSearch }
func (j *OnlineSearch) WorkScore() int { return 3 }
func (j *OnlineSearch) Key() string    { return "search:" + j.AccountID }
func (j *OnlineSearch) String() string {
	return fmt.Sprintf("search %q (account %s)", j.Query, j.AccountID)
}

// UploadPendingAction replays locally recorded mutations. With an empty
// ActionID it drains every pending action of the account.
type UploadPendingAction struct {
	base
	ActionID string `json:"action_id,omitempty"`
}

func NewUploadPendingAction(account, actionID string) *UploadPendingAction {
	return &UploadPendingAction{base{account}, actionID}
}

func (j *UploadPendingAction) Kind() Kind     { return KindUploadPendingAction }
func (j *UploadPendingAction) Priority() int  { return PriorityUploadPendingAction }
func (j *UploadPendingAction) WorkScore() int { return 2 }
func (j *UploadPendingAction) Key() string    { return "upload:" + j.AccountID + ":" + j.ActionID }
func (j *UploadPendingAction) String() string {
	if j.ActionID == "" {
		return fmt.Sprintf("upload pending actions (account %s)", j.AccountID)
	}
	return fmt.Sprintf("upload action %s (account %s)", j.ActionID, j.AccountID)
}

// CheckForNewMail runs a background delta fetch for one folder.
type CheckForNewMail struct {
	base
	FolderID string `json:"folder_id"`
}

func NewCheckForNewMail(account, folderID string) *CheckForNewMail {
	return &CheckForNewMail{base{account}, folderID}
}

func (j *CheckForNewMail) Kind() Kind     { return KindCheckForNewMail }
func (j *CheckForNewMail) Priority() int  { return PriorityCheckForNewMail }
func (j *CheckForNewMail) WorkScore() int { return 4 }
func (j *CheckForNewMail) Key() string    { return "check:" + j.AccountID + ":" + j.FolderID }
func (j *CheckForNewMail) String() string {
	return fmt.Sprintf("check %s for new mail (account %s)", j.FolderID, j.AccountID)
}

// FolderListResync refetches the folder list of an account.
type FolderListResync struct {
	base
}

func NewFolderListResync(account string) *FolderListResync {
	return &FolderListResync{base{account}}
}

func (j *FolderListResync) Kind() Kind     { return KindFolderListResync }
func (j *FolderListResync) Priority() int  { return PriorityFolderListResync }
func (j *FolderListResync) WorkScore() int { return 1 }
func (j *FolderListResync) Key() string    { return "folders:" + j.AccountID }
func (j *FolderListResync) String() string {
	return fmt.Sprintf("resync folder list (account %s)", j.AccountID)
}

// CacheEviction drops stale cached bodies. It needs no network.
type CacheEviction struct {
	base
}

func NewCacheEviction(account string) *CacheEviction {
	return &CacheEviction{base{account}}
}

func (j *CacheEviction) Kind() Kind            { return KindCacheEviction }
func (j *CacheEviction) Priority() int         { return PriorityCacheEviction }
func (j *CacheEviction) WorkScore() int        { return 1 }
func (j *CacheEviction) Key() string           { return "evict:" + j.AccountID }
func (j *CacheEviction) RequiresNetwork() bool { return false }
func (j *CacheEviction) String() string {
	return fmt.Sprintf("evict cached bodies (account %s)", j.AccountID)
}
