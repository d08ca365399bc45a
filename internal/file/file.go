// Package file holds file metadata and the local upload set.
package file

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Metadata describes a shared file. It is announced to the remote peer over
// the signal channel; the bytes themselves only ever travel a file channel.
type Metadata struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// Upload is a locally selected file, addressable by its metadata id.
type Upload struct {
	Metadata
	Path string
}

// Open opens the underlying file for reading.
func (u Upload) Open() (*os.File, error) {
	return os.Open(u.Path)
}

// NewUpload stats path and assigns it a fresh 21-character id.
func NewUpload(path string) (Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Upload{}, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return Upload{}, fmt.Errorf("upload %s: is a directory", path)
	}
	id, err := gonanoid.New()
	if err != nil {
		return Upload{}, fmt.Errorf("generate file id: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Upload{
		Metadata: Metadata{
			ID:   id,
			Name: filepath.Base(path),
			Mime: mimeType,
			Size: info.Size(),
		},
		Path: path,
	}, nil
}

// Uploads is the client's current offer set. A client holds at most one set
// at a time; it is replaced wholesale on a new share and cleared on cancel.
type Uploads struct {
	mu    sync.Mutex
	items []Upload
}

// Set replaces the upload set.
func (u *Uploads) Set(items []Upload) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.items = append([]Upload(nil), items...)
}

// Get returns the upload with the given file id.
func (u *Uploads) Get(id string) (Upload, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, item := range u.items {
		if item.ID == id {
			return item, true
		}
	}
	return Upload{}, false
}

// List returns a copy of the upload set.
func (u *Uploads) List() []Upload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Upload(nil), u.items...)
}

// MetadataList returns the announcement payload for the current set.
func (u *Uploads) MetadataList() []Metadata {
	u.mu.Lock()
	defer u.mu.Unlock()
	metas := make([]Metadata, 0, len(u.items))
	for _, item := range u.items {
		metas = append(metas, item.Metadata)
	}
	return metas
}

// Clear empties the upload set.
func (u *Uploads) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.items = nil
}

// Len reports the number of uploads in the set.
func (u *Uploads) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.items)
}
