package sync

import (
	"errors"
	"time"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// FetchStatus is the lifecycle of an observable fetch.
type FetchStatus string

const (
	FetchInitial FetchStatus = "INITIAL"
	FetchLoading FetchStatus = "LOADING"
	FetchSuccess FetchStatus = "SUCCESS"
	FetchError   FetchStatus = "ERROR"
)

// FolderFetchState is the latest folder fetch outcome of one account.
type FolderFetchState struct {
	Status  FetchStatus   `json:"status"`
	Folders []mail.Folder `json:"folders,omitempty"`
	Error   string        `json:"error,omitempty"`
	// NeedsSignIn marks an Error caused by a credential that requires
	// interaction.
	NeedsSignIn bool `json:"needs_sign_in,omitempty"`
}

// MessageDataState is the message list of the targeted folder.
type MessageDataState struct {
	Status    FetchStatus    `json:"status"`
	AccountID string         `json:"account_id,omitempty"`
	FolderID  string         `json:"folder_id,omitempty"`
	Messages  []mail.Message `json:"messages,omitempty"`
	HasMore   bool           `json:"has_more"`
	Error     string         `json:"error,omitempty"`
}

// ThreadDataState is the thread list of the targeted folder.
type ThreadDataState struct {
	Status    FetchStatus   `json:"status"`
	AccountID string        `json:"account_id,omitempty"`
	FolderID  string        `json:"folder_id,omitempty"`
	Threads   []mail.Thread `json:"threads,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SearchState is the latest online search of one account.
type SearchState struct {
	Status  FetchStatus    `json:"status"`
	Query   string         `json:"query"`
	Results []mail.Message `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Config tunes the orchestrators.
type Config struct {
	DiscoveryPageSize int
	ThreadPageSize    int
	MessagePageSize   int
	SearchPageSize    int
	EvictionAge       time.Duration
	DataDir           string
}

// DefaultConfig returns the stock page sizes.
func DefaultConfig() Config {
	return Config{
		DiscoveryPageSize: 50,
		ThreadPageSize:    100,
		MessagePageSize:   50,
		SearchPageSize:    50,
		EvictionAge:       30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DiscoveryPageSize <= 0 {
		c.DiscoveryPageSize = d.DiscoveryPageSize
	}
	if c.ThreadPageSize <= 0 {
		c.ThreadPageSize = d.ThreadPageSize
	}
	if c.MessagePageSize <= 0 {
		c.MessagePageSize = d.MessagePageSize
	}
	if c.SearchPageSize <= 0 {
		c.SearchPageSize = d.SearchPageSize
	}
	if c.EvictionAge <= 0 {
		c.EvictionAge = d.EvictionAge
	}
	return c
}

func errorText(err error) string {
	var me *mail.Error
	if errors.As(err, &me) && me.Message != "" {
		return me.Message
	}
	return err.Error()
}
