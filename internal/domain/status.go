package domain

import "time"

// SessionInfo is the channel-assigned identity of an authenticated session.
type SessionInfo struct {
	ID       string `json:"id"`
	PushName string `json:"pushName,omitempty"`
}

// ConnectionStatus is a snapshot of the single channel session's lifecycle.
// Invariant: IsReady and IsConnecting are never both true, and PairingCode is
// present only while connecting and not yet authenticated.
type ConnectionStatus struct {
	IsReady         bool         `json:"isReady"`
	IsConnecting    bool         `json:"isConnecting"`
	PairingCode     string       `json:"pairingCode,omitempty"`
	Error           string       `json:"error,omitempty"`
	LastConnectedAt *time.Time   `json:"lastConnectedAt,omitempty"`
	Session         *SessionInfo `json:"sessionInfo,omitempty"`
}
