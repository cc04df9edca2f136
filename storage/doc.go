// Package storage provides the credential document and the Store abstraction
// used by the authorization engine and the bearer validator.
//
// The document is a single JSON object shared with other tools. Its sections
// live in the first entry of the top-level "settings" list. The "oauth"
// section carries the OAuth entities:
//   - clients: dynamically registered public clients
//   - authorization_codes: one-time codes awaiting exchange
//   - access_tokens / refresh_tokens: issued opaque tokens
//   - enabled: the gate that hides every OAuth endpoint when false
//
// Sections the engine does not own ("ragtag", "local_mcpServers", and anything
// else) are preserved verbatim across saves, as are the other top-level keys
// and the later entries of "settings".
//
// Implementations are provided in subpackages:
//   - storage/jsonfile: file-backed store with an advisory lock file
//   - storage/memory: in-memory store for tests and embedding
package storage
