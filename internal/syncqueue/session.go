package syncqueue

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/bricktally/bricktally-backend/internal/localstore"
)

const clientIDCacheKey = "client_id"

// Session scopes sync state to one signed-in user on one device. The client
// id and the cloud-sync capability flag live here, not in package globals;
// a session is created after sign-in and dropped at sign-out, taking its
// queue and flusher with it.
type Session struct {
	UserID    string
	ClientID  string
	CloudSync bool
}

func NewSession(userID, clientID string, cloudSync bool) *Session {
	if clientID == "" {
		clientID = uuid.New().String()
	}
	return &Session{UserID: userID, ClientID: clientID, CloudSync: cloudSync}
}

// LoadOrCreateClientID returns this device's stable client identifier,
// minting and persisting one on first use.
func LoadOrCreateClientID(store *localstore.Store) (string, error) {
	raw, ok, err := store.Get(clientIDCacheKey)
	if err != nil {
		return "", fmt.Errorf("load client id: %w", err)
	}
	if ok && len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.New().String()
	if err := store.Set(clientIDCacheKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}
