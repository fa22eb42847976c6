// Package models defines the records persisted by the proxy.
package models

// Document is the correlation record binding this proxy's
// internal_state to the client's original authorization request. Token
// fields hold keyed hashes, never raw values.
type Document struct {
	InternalState string `json:"internal_state"`
	State         string `json:"state,omitempty"`
	Code          string `json:"code,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
	RedirectURI   string `json:"redirect_uri,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	Issuer        string `json:"iss,omitempty"`
	IssuedOn      int64  `json:"issued_on,omitempty"`
	ExpiresOn     int64  `json:"expires_on,omitempty"`
	Launch        string `json:"launch,omitempty"`
	Proxy         string `json:"proxy,omitempty"`
	Audience      string `json:"aud,omitempty"`

	// DecodedLaunch is set on the client credentials path when the
	// request launch was decoded. It is never persisted.
	DecodedLaunch map[string]any `json:"-"`
}

// LaunchRecord stores launch context keyed by a hashed access token.
type LaunchRecord struct {
	AccessToken string `json:"access_token"`
	Launch      string `json:"launch"`
	ExpiresOn   int64  `json:"expires_on,omitempty"`
}

// StaticToken is a pre-provisioned token that bypasses the upstream
// issuer. RefreshToken is stored hashed; AccessToken is the raw value
// handed back to the caller.
type StaticToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scopes       string `json:"scopes"`
	ExpiresIn    int64  `json:"expires_in"`
	ICN          string `json:"icn,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Audience     string `json:"aud,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// Client is a locally registered OAuth client.
type Client struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
}
