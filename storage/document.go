package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	// SectionOAuth holds the OAuth entities and the enabled gate.
	SectionOAuth = "oauth"

	// SectionRagtag holds the authorized users table.
	SectionRagtag = "ragtag"

	// SectionBackends holds the local stdio backend definitions.
	SectionBackends = "local_mcpServers"

	keySettings        = "settings"
	keyAuthorizedUsers = "authorized_users"
)

// UnixTime is an absolute timestamp stored as epoch seconds. Fractional
// seconds written by other tools keep their precision.
type UnixTime float64

// NewUnixTime converts t to whole epoch seconds.
func NewUnixTime(t time.Time) UnixTime {
	return UnixTime(t.Unix())
}

// Time returns the timestamp as a time.Time.
func (u UnixTime) Time() time.Time {
	sec, frac := math.Modf(float64(u))
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// UnmarshalJSON accepts integer or floating point seconds.
func (u *UnixTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*u = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid epoch seconds %q: %w", b, err)
	}
	*u = UnixTime(f)
	return nil
}

// OAuthSection is the "oauth" part of the document.
type OAuthSection struct {
	Enabled            bool                          `json:"enabled"`
	Revision           int64                         `json:"revision,omitempty"`
	Clients            map[string]*Client            `json:"clients"`
	AuthorizationCodes map[string]*AuthorizationCode `json:"authorization_codes"`
	AccessTokens       map[string]*AccessToken       `json:"access_tokens"`
	RefreshTokens      map[string]*RefreshToken      `json:"refresh_tokens"`
}

func (o *OAuthSection) ensureMaps() {
	if o.Clients == nil {
		o.Clients = make(map[string]*Client)
	}
	if o.AuthorizationCodes == nil {
		o.AuthorizationCodes = make(map[string]*AuthorizationCode)
	}
	if o.AccessTokens == nil {
		o.AccessTokens = make(map[string]*AccessToken)
	}
	if o.RefreshTokens == nil {
		o.RefreshTokens = make(map[string]*RefreshToken)
	}
}

// Document is the shared configuration document. The sections this module
// uses live in the first entry of the top-level "settings" list. Only the
// OAuth section is decoded eagerly; every other key, both at the top level
// and inside settings, is kept as raw JSON so that settings owned by other
// programs survive a save untouched.
type Document struct {
	OAuth OAuthSection

	// sections are the entries of settings[0] other than "oauth".
	sections map[string]json.RawMessage

	// top holds the top-level keys other than "settings"; trailing holds
	// settings[1:].
	top      map[string]json.RawMessage
	trailing []json.RawMessage
}

// NewDocument returns an empty document with OAuth disabled.
func NewDocument() *Document {
	d := &Document{
		sections: make(map[string]json.RawMessage),
		top:      make(map[string]json.RawMessage),
	}
	d.OAuth.ensureMaps()
	return d
}

// UnmarshalJSON decodes the document, preserving unknown keys.
func (d *Document) UnmarshalJSON(b []byte) error {
	top := make(map[string]json.RawMessage)
	if err := json.Unmarshal(b, &top); err != nil {
		return err
	}

	var settings []json.RawMessage
	if raw, ok := top[keySettings]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return fmt.Errorf("decode %s: %w", keySettings, err)
		}
	}
	delete(top, keySettings)

	sections := make(map[string]json.RawMessage)
	var trailing []json.RawMessage
	if len(settings) > 0 {
		if !isNull(settings[0]) {
			if err := json.Unmarshal(settings[0], &sections); err != nil {
				return fmt.Errorf("decode %s[0]: %w", keySettings, err)
			}
		}
		trailing = settings[1:]
	}

	var oauth OAuthSection
	if raw, ok := sections[SectionOAuth]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &oauth); err != nil {
			return fmt.Errorf("decode %s section: %w", SectionOAuth, err)
		}
	}
	delete(sections, SectionOAuth)
	oauth.ensureMaps()

	d.OAuth = oauth
	d.sections = sections
	d.top = top
	d.trailing = trailing
	return nil
}

// MarshalJSON encodes the OAuth section into settings[0] together with the
// preserved keys.
func (d *Document) MarshalJSON() ([]byte, error) {
	first := make(map[string]any, len(d.sections)+1)
	for k, v := range d.sections {
		first[k] = v
	}
	d.OAuth.ensureMaps()
	first[SectionOAuth] = &d.OAuth

	settings := make([]any, 0, len(d.trailing)+1)
	settings = append(settings, first)
	for _, v := range d.trailing {
		settings = append(settings, v)
	}

	out := make(map[string]any, len(d.top)+1)
	for k, v := range d.top {
		out[k] = v
	}
	out[keySettings] = settings
	return json.Marshal(out)
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() (*Document, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	clone := NewDocument()
	if err := json.Unmarshal(b, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// Section returns the raw JSON of a preserved settings section.
func (d *Document) Section(name string) (json.RawMessage, bool) {
	raw, ok := d.sections[name]
	return raw, ok
}

// SetSection replaces a preserved settings section with v encoded as JSON.
func (d *Document) SetSection(name string, v any) error {
	if name == SectionOAuth {
		return fmt.Errorf("section %q is managed through Document.OAuth", name)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if d.sections == nil {
		d.sections = make(map[string]json.RawMessage)
	}
	d.sections[name] = b
	return nil
}

// AuthorizedUsers decodes the static API-key table. Entries that are not
// objects are skipped.
func (d *Document) AuthorizedUsers() (map[string]AuthorizedUser, error) {
	users := make(map[string]AuthorizedUser)

	ragtag, err := d.objectSection(SectionRagtag)
	if err != nil {
		return nil, err
	}
	raw, ok := ragtag[keyAuthorizedUsers]
	if !ok {
		return users, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", keyAuthorizedUsers, err)
	}
	for name, entry := range entries {
		var u AuthorizedUser
		if err := json.Unmarshal(entry, &u); err != nil {
			continue
		}
		users[name] = u
	}
	return users, nil
}

// SetAuthorizedUser adds or replaces one entry of the API-key table.
func (d *Document) SetAuthorizedUser(name string, user AuthorizedUser) error {
	ragtag, err := d.objectSection(SectionRagtag)
	if err != nil {
		return err
	}

	entries := make(map[string]json.RawMessage)
	if raw, ok := ragtag[keyAuthorizedUsers]; ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("decode %s: %w", keyAuthorizedUsers, err)
		}
	}

	b, err := json.Marshal(user)
	if err != nil {
		return err
	}
	entries[name] = b

	if ragtag[keyAuthorizedUsers], err = json.Marshal(entries); err != nil {
		return err
	}
	return d.SetSection(SectionRagtag, ragtag)
}

// Backends decodes the local backend table. Entries that are not objects
// (for example free-text notes) are skipped.
func (d *Document) Backends() (map[string]BackendConfig, error) {
	backends := make(map[string]BackendConfig)

	section, err := d.objectSection(SectionBackends)
	if err != nil {
		return nil, err
	}
	for name, raw := range section {
		var cfg BackendConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			continue
		}
		backends[name] = cfg
	}
	return backends, nil
}

// SetBackend adds or replaces one backend definition.
func (d *Document) SetBackend(name string, cfg BackendConfig) error {
	section, err := d.objectSection(SectionBackends)
	if err != nil {
		return err
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	section[name] = b
	return d.SetSection(SectionBackends, section)
}

func (d *Document) objectSection(name string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	raw, ok := d.sections[name]
	if !ok || isNull(raw) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s section: %w", name, err)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
