// Package models defines types shared across internal packages.
package models

import "time"

// ConnectionMode classifies which path to the bridge is in use. It is
// always derivable from the record plus a reachability probe; the persisted
// copy is diagnostic only.
type ConnectionMode string

const (
	ModeLocal        ConnectionMode = "local"
	ModeRemote       ConnectionMode = "remote"
	ModeHybrid       ConnectionMode = "hybrid"
	ModeDisconnected ConnectionMode = "disconnected"
)

// Valid reports whether m is one of the known modes.
func (m ConnectionMode) Valid() bool {
	switch m {
	case ModeLocal, ModeRemote, ModeHybrid, ModeDisconnected:
		return true
	}
	return false
}

// ConnectivityRecord is the single shared record of bridge credentials and
// OAuth tokens. One bridge per deployment; Username is used by both the
// local and remote paths.
type ConnectivityRecord struct {
	BridgeIP             string         `json:"bridgeIp,omitempty"`
	Username             string         `json:"username,omitempty"`
	ClientKey            string         `json:"clientkey,omitempty"`
	RefreshToken         string         `json:"refreshToken,omitempty"`
	AccessToken          string         `json:"accessToken,omitempty"`
	AccessTokenExpiresAt int64          `json:"accessTokenExpiresAt,omitempty"` // epoch ms
	ConnectionMode       ConnectionMode `json:"connectionMode,omitempty"`
	ConnectedAt          int64          `json:"connectedAt,omitempty"`
	RemoteConnectedAt    int64          `json:"remoteConnectedAt,omitempty"`
	UpdatedAt            int64          `json:"updatedAt,omitempty"`
}

// HasLocal reports whether local credentials are present.
func (r ConnectivityRecord) HasLocal() bool {
	return r.BridgeIP != "" && r.Username != ""
}

// HasRemote reports whether a remote refresh token is present.
func (r ConnectivityRecord) HasRemote() bool {
	return r.RefreshToken != ""
}

// AccessTokenExpiry returns the stored access token expiry, or the zero
// time when none is stored.
func (r ConnectivityRecord) AccessTokenExpiry() time.Time {
	if r.AccessTokenExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.AccessTokenExpiresAt)
}

// ConnectivityPatch is a partial update. A nil field is left untouched; a
// pointer to the zero value nulls the field.
type ConnectivityPatch struct {
	BridgeIP             *string
	Username             *string
	ClientKey            *string
	RefreshToken         *string
	AccessToken          *string
	AccessTokenExpiresAt *int64
	ConnectionMode       *ConnectionMode
	ConnectedAt          *int64
	RemoteConnectedAt    *int64
}

// Apply writes the non-nil patch fields onto r.
func (p ConnectivityPatch) Apply(r *ConnectivityRecord) {
	if p.BridgeIP != nil {
		r.BridgeIP = *p.BridgeIP
	}
	if p.Username != nil {
		r.Username = *p.Username
	}
	if p.ClientKey != nil {
		r.ClientKey = *p.ClientKey
	}
	if p.RefreshToken != nil {
		r.RefreshToken = *p.RefreshToken
	}
	if p.AccessToken != nil {
		r.AccessToken = *p.AccessToken
	}
	if p.AccessTokenExpiresAt != nil {
		r.AccessTokenExpiresAt = *p.AccessTokenExpiresAt
	}
	if p.ConnectionMode != nil {
		r.ConnectionMode = *p.ConnectionMode
	}
	if p.ConnectedAt != nil {
		r.ConnectedAt = *p.ConnectedAt
	}
	if p.RemoteConnectedAt != nil {
		r.RemoteConnectedAt = *p.RemoteConnectedAt
	}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
