package filemanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nainya/reldb/internal/common"
)

func testConfig() common.FileManagerConfig {
	cfg := common.DefaultFileManagerConfig()
	cfg.Policy = common.ExtensionFixed
	cfg.FixedGrowBlocks = 4
	cfg.PreExtendThreshold = 1
	cfg.PreExtendBlocks = 0
	return cfg
}

func TestAllocateReadWritePage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rdb")
	fm, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fm.Close()

	id, err := fm.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, common.PageSize)
	if err := fm.WritePage(id, payload); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := fm.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadPage returned different bytes than written")
	}
}

func TestSyncPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rdb")
	fm, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id, err := fm.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	payload := bytes.Repeat([]byte{0x42}, common.PageSize)
	if err := fm.WritePage(id, payload); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := fm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fm2, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fm2.Close()

	if fm2.TotalPages() == 0 {
		t.Fatalf("expected total pages to survive reopen")
	}

	got, err := fm2.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("page contents did not survive reopen")
	}
}

func TestFreePagesAreReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rdb")
	fm, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fm.Close()

	id, err := fm.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	fm.FreePages(id, 1)

	before := fm.TotalPages()
	again, err := fm.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages after free: %v", err)
	}
	if again != id {
		t.Fatalf("expected freed page %d to be reused, got %d", id, again)
	}
	if fm.TotalPages() != before {
		t.Fatalf("reusing a freed page should not grow the file")
	}
}

func TestExtensionPoliciesGrowFile(t *testing.T) {
	for _, policy := range []common.ExtensionPolicy{
		common.ExtensionFixed,
		common.ExtensionLinear,
		common.ExtensionExponential,
		common.ExtensionAdaptive,
	} {
		cfg := testConfig()
		cfg.Policy = policy

		path := filepath.Join(t.TempDir(), "data.rdb")
		fm, err := Open(path, cfg)
		if err != nil {
			t.Fatalf("Open(%v): %v", policy, err)
		}

		if _, err := fm.AllocatePages(1); err != nil {
			t.Fatalf("AllocatePages(%v): %v", policy, err)
		}
		if fm.TotalPages() == 0 {
			t.Fatalf("policy %v did not extend the file", policy)
		}
		fm.Close()
	}
}

func TestPinnedPagesSurviveCacheEviction(t *testing.T) {
	cfg := testConfig()
	cfg.CacheCapacityPages = 1

	path := filepath.Join(t.TempDir(), "data.rdb")
	fm, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fm.Close()

	a, _ := fm.AllocatePages(1)
	b, _ := fm.AllocatePages(1)

	payloadA := bytes.Repeat([]byte{0x01}, common.PageSize)
	if err := fm.WritePage(a, payloadA); err != nil {
		t.Fatalf("WritePage a: %v", err)
	}
	fm.Pin(a)

	payloadB := bytes.Repeat([]byte{0x02}, common.PageSize)
	if err := fm.WritePage(b, payloadB); err != nil {
		t.Fatalf("WritePage b: %v", err)
	}

	got, err := fm.ReadPage(a)
	if err != nil {
		t.Fatalf("ReadPage a: %v", err)
	}
	if !bytes.Equal(got, payloadA) {
		t.Fatalf("pinned page was evicted from cache")
	}
}
