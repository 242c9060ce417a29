package btree

import (
	"fmt"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/filemanager"
)

// FileStore adapts a filemanager.FileManager to the PageStore interface:
// every node occupies exactly one file page. It panics on IO failure the
// same way the teacher's mmap-backed KV store did, since a page store
// failure mid-traversal leaves no safe value to return.
type FileStore struct {
	fm *filemanager.FileManager
}

// NewFileStore wraps fm for use as a B+ tree PageStore.
func NewFileStore(fm *filemanager.FileManager) *FileStore {
	return &FileStore{fm: fm}
}

func (s *FileStore) Get(id common.PageID) []byte {
	buf, err := s.fm.ReadPage(id)
	if err != nil {
		panic(fmt.Sprintf("btree: read page %d: %v", id, err))
	}
	return buf
}

func (s *FileStore) New(node []byte) common.PageID {
	if len(node) > common.PageSize {
		node = node[:common.PageSize]
	}
	id, err := s.fm.AllocatePages(1)
	if err != nil {
		panic(fmt.Sprintf("btree: allocate page: %v", err))
	}
	buf := make([]byte, common.PageSize)
	copy(buf, node)
	if err := s.fm.WritePage(id, buf); err != nil {
		panic(fmt.Sprintf("btree: write page %d: %v", id, err))
	}
	return id
}

func (s *FileStore) Del(id common.PageID) {
	s.fm.FreePages(id, 1)
}
