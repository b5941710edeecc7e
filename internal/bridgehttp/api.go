// Package bridgehttp exposes bundle lifecycle operations to the host
// application over a loopback JSON API.
package bridgehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-ota/internal/archive"
	"github.com/keithlinneman/linnemanlabs-ota/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// Bundles is the subset of *bundle.Manager the API needs.
type Bundles interface {
	Info() (bundle.Info, error)
	PackageInfo() (json.RawMessage, bool, error)
	State() (bundle.State, string)
	ResolveEntryPoint() (string, bool)
	LastValidHash() (string, bool, error)
	SetLastValidHash(hash string) error
	UseBundle() (bool, error)
	SetUseBundle(v bool) error
	UseDownload() (bool, error)
	SetUseDownload(v bool) error
	DownloadURL() (string, error)
	SetDownloadURL(raw string) error
	Install(ctx context.Context, archivePath string, opts bundle.InstallOptions) (bundle.InstallResult, error)
	Extract(ctx context.Context, archivePath, dest string, mode archive.Mode, passphrase string) error
	Digest(path string) (string, error)
	Algorithm() string
}

// API implements the bridge endpoints
type API struct {
	bundles Bundles
	logger  log.Logger
}

func NewAPI(bundles Bundles, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{bundles: bundles, logger: logger}
}

// RegisterRoutes attaches bridge endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", api.HandleInfo)
		r.Get("/package-info", api.HandlePackageInfo)
		r.Get("/entrypoint", api.HandleEntryPoint)

		r.Get("/hash", api.HandleGetHash)
		r.Put("/hash", api.HandleSetHash)

		r.Get("/toggles/{name}", api.HandleGetToggle)
		r.Put("/toggles/{name}", api.HandleSetToggle)

		r.Get("/download-url", api.HandleGetDownloadURL)
		r.Put("/download-url", api.HandleSetDownloadURL)

		r.Post("/install", api.HandleInstall)
		r.Post("/extract", api.HandleExtract)
		r.Post("/digest", api.HandleDigest)
	})
}

func (api *API) HandleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := api.bundles.Info()
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, info)
}

// HandlePackageInfo returns the active bundle's bundle.info.json verbatim,
// or null when it ships none.
func (api *API) HandlePackageInfo(w http.ResponseWriter, r *http.Request) {
	raw, ok, err := api.bundles.PackageInfo()
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	if !ok {
		raw = json.RawMessage("null")
	}
	api.writeJSON(r.Context(), w, http.StatusOK, raw)
}

func (api *API) HandleEntryPoint(w http.ResponseWriter, r *http.Request) {
	state, _ := api.bundles.State()
	path, ok := api.bundles.ResolveEntryPoint()
	api.writeJSON(r.Context(), w, http.StatusOK, EntryPointResponse{
		Path:     path,
		Embedded: !ok,
		State:    state.String(),
	})
}

func (api *API) HandleGetHash(w http.ResponseWriter, r *http.Request) {
	hash, ok, err := api.bundles.LastValidHash()
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, HashResponse{Hash: hash, Valid: ok})
}

func (api *API) HandleSetHash(w http.ResponseWriter, r *http.Request) {
	var req HashRequest
	if !api.decode(w, r, &req) {
		return
	}
	hash := strings.ToLower(strings.TrimSpace(req.Hash))
	if err := api.bundles.SetLastValidHash(hash); err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.logger.Info(r.Context(), "last valid hash set via bridge", "hash", hash)
	api.writeJSON(r.Context(), w, http.StatusOK, HashResponse{Hash: hash, Valid: true})
}

type toggle struct {
	get func() (bool, error)
	set func(bool) error
}

func (api *API) toggle(name string) (toggle, bool) {
	switch name {
	case "use_bundle":
		return toggle{api.bundles.UseBundle, api.bundles.SetUseBundle}, true
	case "use_download":
		return toggle{api.bundles.UseDownload, api.bundles.SetUseDownload}, true
	}
	return toggle{}, false
}

func (api *API) HandleGetToggle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := api.toggle(name)
	if !ok {
		api.writeJSON(r.Context(), w, http.StatusNotFound, errorResponse{Error: "unknown toggle " + name})
		return
	}
	v, err := t.get()
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, ToggleResponse{Name: name, Enabled: v})
}

func (api *API) HandleSetToggle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := api.toggle(name)
	if !ok {
		api.writeJSON(r.Context(), w, http.StatusNotFound, errorResponse{Error: "unknown toggle " + name})
		return
	}
	var req ToggleRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "enabled is required"})
		return
	}
	if err := t.set(*req.Enabled); err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.logger.Info(r.Context(), "toggle set via bridge", "toggle", name, "enabled", *req.Enabled)
	api.writeJSON(r.Context(), w, http.StatusOK, ToggleResponse{Name: name, Enabled: *req.Enabled})
}

func (api *API) HandleGetDownloadURL(w http.ResponseWriter, r *http.Request) {
	u, err := api.bundles.DownloadURL()
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, DownloadURLResponse{URL: u})
}

func (api *API) HandleSetDownloadURL(w http.ResponseWriter, r *http.Request) {
	var req DownloadURLRequest
	if !api.decode(w, r, &req) {
		return
	}
	if err := api.bundles.SetDownloadURL(strings.TrimSpace(req.URL)); err != nil {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	// read back so a cleared override reports the default
	api.HandleGetDownloadURL(w, r)
}

func (api *API) HandleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}
	res, err := api.bundles.Install(r.Context(), req.Path, bundle.InstallOptions{
		ExpectedHash: req.ExpectedHash,
		Signature:    req.Signature,
		Source:       "bridge",
	})
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, res)
}

func (api *API) HandleExtract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.Path == "" || req.Dest == "" {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "path and dest are required"})
		return
	}
	mode := archive.Full()
	if req.Entry != "" {
		mode = archive.SingleEntry(req.Entry)
	}
	if err := api.bundles.Extract(r.Context(), req.Path, req.Dest, mode, req.Passphrase); err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, ExtractResponse{Dest: req.Dest, Mode: mode.String()})
}

func (api *API) HandleDigest(w http.ResponseWriter, r *http.Request) {
	var req DigestRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}
	h, err := api.bundles.Digest(req.Path)
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, DigestResponse{
		Path:      req.Path,
		Hash:      h,
		Algorithm: api.bundles.Algorithm(),
	})
}

// decode reads a JSON body. On failure it writes a 400 (or 413) and
// returns false.
func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		return true
	}
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		api.writeJSON(r.Context(), w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
	case errors.Is(err, io.EOF):
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "request body is required"})
	default:
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
	}
	return false
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.ErrInvalidHash, xerrors.ErrInvalidArgument:
		return http.StatusBadRequest
	case xerrors.ErrEntryNotFound:
		return http.StatusNotFound
	case xerrors.ErrIntegrity, xerrors.ErrExtraction:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if k := xerrors.KindOf(err); k != nil {
		resp.Kind = k.Error()
	}
	if status >= 500 {
		api.logger.Error(ctx, err, "bridge request failed")
	} else {
		api.logger.Warn(ctx, "bridge request rejected", "error", err, "status", status)
	}
	api.writeJSON(ctx, w, status, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
