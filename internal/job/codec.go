package job

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes any job as a {kind, payload} envelope.
func Marshal(j Job) ([]byte, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", j.Kind(), err)
	}
	return json.Marshal(envelope{Kind: j.Kind(), Payload: payload})
}

// Unmarshal decodes a job produced by Marshal.
func Unmarshal(data []byte) (Job, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode job envelope: %w", err)
	}
	var j Job
	switch env.Kind {
	case KindFullAccountBootstrap:
		j = &FullAccountBootstrap{}
	case KindFullMessageBodyFetch:
		j = &FullMessageBodyFetch{}
	case KindAttachmentDownload:
		j = &AttachmentDownload{}
	case KindNextMessageListPage:
		j = &NextMessageListPage{}
	case KindForceRefreshFolder:
		j = &ForceRefreshFolder{}
	case KindOnlineSearch:
		j = &OnlineSearch{}
	case KindUploadPendingAction:
		j = &UploadPendingAction{}
	case KindCheckForNewMail:
		j = &CheckForNewMail{}
	case KindFolderListResync:
		j = &FolderListResync{}
	case KindCacheEviction:
		j = &CacheEviction{}
	default:
		return nil, fmt.Errorf("unknown job kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, j); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return j, nil
}
