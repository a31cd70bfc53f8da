package capability

import (
	"fmt"
	"sort"
	"sync"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/host"
)

// Host type names. MemoryFileStore declares FileStore as its supertype, so a
// rule on FileStore also governs it.
const (
	FileStoreType       = "FileStore"
	MemoryFileStoreType = "MemoryFileStore"
)

// maxFileSize bounds one stored file.
const maxFileSize = 64 << 10

// FileStore is a small in-memory key/value file area.
type FileStore struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewFileStore creates an empty store.
func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string]string)}
}

// Files returns a snapshot of the stored files.
func (fs *FileStore) Files() map[string]string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make(map[string]string, len(fs.files))
	for k, v := range fs.files {
		out[k] = v
	}
	return out
}

func fileStoreOf(self *host.Object) *FileStore { return self.State().(*FileStore) }

func memoryFileStoreType() *host.Type {
	return host.NewType(MemoryFileStoreType, []string{FileStoreType},
		host.Method{Name: "read", Fn: fsRead},
		host.Method{Name: "write", Fn: fsWrite},
		host.Method{Name: "delete", Fn: fsDelete},
		host.Method{Name: "exists", Fn: fsExists},
		host.Method{Name: "list", Fn: fsList},
	)
}

func fsRead(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	var path string
	if err := starlark.UnpackPositionalArgs("read", args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	fs := fileStoreOf(self)
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	data, ok := fs.files[path]
	if !ok {
		return nil, fmt.Errorf("read: no such file: %s", path)
	}
	return starlark.String(data), nil
}

func fsWrite(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	var path, data string
	if err := starlark.UnpackPositionalArgs("write", args, kwargs, 2, &path, &data); err != nil {
		return nil, err
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("write: %s exceeds %d bytes", path, maxFileSize)
	}
	fs := fileStoreOf(self)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path] = data
	return starlark.None, nil
}

func fsDelete(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	var path string
	if err := starlark.UnpackPositionalArgs("delete", args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	fs := fileStoreOf(self)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[path]
	delete(fs.files, path)
	return starlark.Bool(ok), nil
}

func fsExists(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs("exists", args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	fs := fileStoreOf(self)
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, ok := fs.files[path]
	return starlark.Bool(ok), nil
}

func fsList(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs("list", args, kwargs, 0); err != nil {
		return nil, err
	}
	fs := fileStoreOf(self)
	fs.mu.RLock()
	names := make([]string, 0, len(fs.files))
	for name := range fs.files {
		names = append(names, name)
	}
	fs.mu.RUnlock()
	sort.Strings(names)

	values := make([]starlark.Value, len(names))
	for i, name := range names {
		values[i] = starlark.String(name)
	}
	return starlark.NewList(values), nil
}
