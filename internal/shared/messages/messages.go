package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Messages holds every user-visible text the engine produces. Institution error
// text never reaches users; these strings replace it.
type Messages struct {
	AccountSyncFailed     MessageText `json:"account_sync_failed"`
	ConnectionSyncFailed  MessageText `json:"connection_sync_failed"`
	ReauthRequired        MessageText `json:"reauth_required"`
	ConnectionDisabled    MessageText `json:"connection_disabled"`
	SyncComplete          MessageText `json:"sync_complete"`
	BalanceReviewRequired MessageText `json:"balance_review_required"`
}

// Default returns the built-in English texts.
func Default() *Messages {
	return &Messages{
		AccountSyncFailed: MessageText{
			Title: "Sync problem",
			Body:  "This account could not be synchronized.",
		},
		ConnectionSyncFailed: MessageText{
			Title: "Sync problem",
			Body:  "Your bank connection could not be synchronized.",
		},
		ReauthRequired: MessageText{
			Title: "Reconnect your bank",
			Body:  "Your bank connection needs you to sign in again.",
		},
		ConnectionDisabled: MessageText{
			Title: "Bank connection paused",
			Body:  "We paused this connection after repeated errors. Reconnect to resume syncing.",
		},
		SyncComplete: MessageText{
			Title: "Accounts updated",
			Body:  "Your accounts are up to date.",
		},
		BalanceReviewRequired: MessageText{
			Title: "Balance needs review",
			Body:  "We found a balance difference we could not explain.",
		},
	}
}

var (
	loaded   Messages
	loadOnce sync.Once
	loadErr  error
)

// Load reads the messages JSON file and caches the result. Keys missing from the
// file keep their default text. Safe to call from multiple goroutines.
func Load(path string) (*Messages, error) {
	loadOnce.Do(func() {
		loaded = *Default()
		data, err := os.ReadFile(path)
		if err != nil {
			loadErr = fmt.Errorf("failed to read messages file: %w", err)
			return
		}
		if err := json.Unmarshal(data, &loaded); err != nil {
			loadErr = fmt.Errorf("failed to parse messages file: %w", err)
		}
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return &loaded, nil
}
