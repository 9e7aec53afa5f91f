package manifest

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"module/internal/api"
)

// ManifestFile is the well-known manifest filename within each bundle
// directory of an archive.
const ManifestFile = "manifest.yaml"

// Archive is a read-only view over a `.zip` bundle archive, per
// SPEC_FULL.md §6's "on-disk bundle archive format": one top-level directory
// per contained bundle, each holding a manifest.yaml and a plugin.so plus
// arbitrary resources. Archive implements exactly the three read operations
// SPEC_FULL.md §6 names — list_bundles, get_manifest, open_resource — and
// nothing else; packing archives is an external concern.
type Archive struct {
	reader *zip.ReadCloser
	byName map[string]*zip.File
}

// OpenArchive opens a zip file at path for reading.
func OpenArchive(path string) (*Archive, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, api.Wrap(api.KindManifestParse, fmt.Sprintf("open bundle archive %s", path), err)
	}
	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		byName[f.Name] = f
	}
	return &Archive{reader: r, byName: byName}, nil
}

// Close releases the underlying zip file handle.
func (a *Archive) Close() error {
	return a.reader.Close()
}

// ListBundles enumerates the top-level bundle directory names contained in
// the archive, in lexicographic order.
func (a *Archive) ListBundles() []string {
	seen := make(map[string]bool)
	for name := range a.byName {
		top := strings.SplitN(name, "/", 2)[0]
		if top != "" {
			seen[top] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetManifest parses manifest.yaml for the named bundle directory.
func (a *Archive) GetManifest(name string) (*Manifest, error) {
	data, err := a.readFile(path.Join(name, ManifestFile))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// OpenResource opens a named resource path within a bundle directory for
// streaming read. The caller must Close the returned reader.
func (a *Archive) OpenResource(name, resourcePath string) (io.ReadCloser, error) {
	f, ok := a.byName[path.Join(name, resourcePath)]
	if !ok {
		return nil, api.New(api.KindInvalidArgument, fmt.Sprintf("resource %s not found in bundle %s", resourcePath, name))
	}
	return f.Open()
}

// PluginPath returns the archive-relative path to the bundle's compiled
// shared library, conventionally plugin.so alongside its manifest.
func (a *Archive) PluginPath(name string) string {
	return path.Join(name, "plugin.so")
}

func (a *Archive) readFile(name string) ([]byte, error) {
	f, ok := a.byName[name]
	if !ok {
		return nil, api.New(api.KindManifestParse, fmt.Sprintf("archive entry %s not found", name))
	}
	rc, err := f.Open()
	if err != nil {
		return nil, api.Wrap(api.KindManifestParse, fmt.Sprintf("open archive entry %s", name), err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
