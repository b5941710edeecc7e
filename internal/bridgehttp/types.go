package bridgehttp

// HashRequest sets the persisted last valid hash.
type HashRequest struct {
	Hash string `json:"hash"`
}

// HashResponse reports the last valid hash. Valid is false when no record
// exists or the record belongs to another application version.
type HashResponse struct {
	Hash  string `json:"hash,omitempty"`
	Valid bool   `json:"valid"`
}

type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type ToggleResponse struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type DownloadURLRequest struct {
	URL string `json:"url"`
}

type DownloadURLResponse struct {
	URL string `json:"url"`
}

// EntryPointResponse tells the host which code to run. Path is empty when
// the embedded code should be used.
type EntryPointResponse struct {
	Path     string `json:"path,omitempty"`
	Embedded bool   `json:"embedded"`
	State    string `json:"state"`
}

// InstallRequest names an archive already on local disk.
type InstallRequest struct {
	Path         string `json:"path"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	// Signature is base64 encoded.
	Signature []byte `json:"signature,omitempty"`
}

type ExtractRequest struct {
	Path       string `json:"path"`
	Dest       string `json:"dest"`
	Entry      string `json:"entry,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type ExtractResponse struct {
	Dest string `json:"dest"`
	Mode string `json:"mode"`
}

type DigestRequest struct {
	Path string `json:"path"`
}

type DigestResponse struct {
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
