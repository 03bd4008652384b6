package engine

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/pkg/adapter"
)

// AssetHandlers contains the raw asset byte handlers.
type AssetHandlers struct {
	engine *Engine
}

// NewAssetHandlers creates a new instance of AssetHandlers.
func NewAssetHandlers(engine *Engine) *AssetHandlers {
	return &AssetHandlers{engine: engine}
}

// GetAssetBytes handles GET /api/v1/asset/bytes/{path}: the raw bytes of
// one asset, selected by ?id= when the node has several. Directory assets
// additionally need ?relative_path= naming a file inside; ranged requests
// are honored, with 416 past the end.
func (ash *AssetHandlers) GetAssetBytes(w http.ResponseWriter, r *http.Request) {
	ash.engine.TrackOperation()
	defer ash.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]
	q := r.URL.Query()

	res, err := ash.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		ash.engine.handleError(w, r, err)
		return
	}
	asset, err := findAsset(res.node, q.Get("id"))
	if err != nil {
		ash.engine.handleError(w, r, err)
		return
	}

	base, err := adapter.PathFromFileURI(asset.DataURI)
	if err != nil {
		ash.engine.handleError(w, r, errorf(http.StatusConflict, "%v", err))
		return
	}

	filePath := base
	if asset.IsDirectory {
		relative := q.Get("relative_path")
		if relative == "" {
			ash.engine.handleError(w, r, errorf(http.StatusBadRequest,
				"asset %d is a directory; pass relative_path or fetch the manifest", asset.ID))
			return
		}
		filePath, err = containedPath(base, relative)
		if err != nil {
			ash.engine.handleError(w, r, err)
			return
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			ash.engine.handleError(w, r, errorf(http.StatusNotFound, "asset file not found"))
			return
		}
		ash.engine.handleError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		ash.engine.handleError(w, r, err)
		return
	}
	if info.IsDir() {
		ash.engine.handleError(w, r, errorf(http.StatusBadRequest,
			"relative_path names a directory; fetch the manifest"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	setServerTiming(w, r)
	http.ServeContent(w, r, filepath.Base(filePath), info.ModTime(), f)
}

// GetAssetManifest handles GET /api/v1/asset/manifest/{path}: the relative
// file paths inside a directory asset, sorted.
func (ash *AssetHandlers) GetAssetManifest(w http.ResponseWriter, r *http.Request) {
	ash.engine.TrackOperation()
	defer ash.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := ash.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		ash.engine.handleError(w, r, err)
		return
	}
	asset, err := findAsset(res.node, r.URL.Query().Get("id"))
	if err != nil {
		ash.engine.handleError(w, r, err)
		return
	}
	if !asset.IsDirectory {
		ash.engine.handleError(w, r, errorf(http.StatusBadRequest,
			"asset %d is a single file; manifests describe directory assets", asset.ID))
		return
	}

	base, err := adapter.PathFromFileURI(asset.DataURI)
	if err != nil {
		ash.engine.handleError(w, r, errorf(http.StatusConflict, "%v", err))
		return
	}

	var manifest []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		relative, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		manifest = append(manifest, filepath.ToSlash(relative))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			ash.engine.handleError(w, r, errorf(http.StatusNotFound, "asset directory not found"))
			return
		}
		ash.engine.handleError(w, r, err)
		return
	}
	sort.Strings(manifest)
	if manifest == nil {
		manifest = []string{}
	}
	ash.engine.writeEnvelope(w, r, http.StatusOK, map[string]any{"manifest": manifest})
}

// findAsset picks the node's asset by id, or the only one when no id is
// given.
func findAsset(node *catalog.Node, rawID string) (*adapter.Asset, error) {
	var assets []adapter.Asset
	for _, ds := range node.DataSources {
		assets = append(assets, ds.Assets...)
	}
	if len(assets) == 0 {
		return nil, errorf(http.StatusNotFound, "node %q has no assets", node.Path())
	}

	if rawID == "" {
		if len(assets) > 1 {
			return nil, errorf(http.StatusBadRequest, "node has %d assets; pass ?id=", len(assets))
		}
		return &assets[0], nil
	}

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "invalid asset id %q", rawID)
	}
	for i := range assets {
		if assets[i].ID == id {
			return &assets[i], nil
		}
	}
	return nil, errorf(http.StatusNotFound, "node has no asset %d", id)
}

// containedPath joins relative onto base and refuses escapes.
func containedPath(base, relative string) (string, error) {
	cleaned := filepath.Clean("/" + relative)
	joined := filepath.Join(base, cleaned)
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", errorf(http.StatusBadRequest, "relative_path escapes the asset directory")
	}
	return joined, nil
}
