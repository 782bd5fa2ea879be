package core_test

import (
	"testing"

	"github.com/tundak/nano-node-sub001/core"
	"github.com/tundak/nano-node-sub001/internal/testutil"
)

// TestBoltStoreOpenPutGet exercises the real on-disk bbolt engine against a
// testutil.Sandbox-managed data directory, the same way a production data_path
// would be laid out (spec.md §4.1).
func TestBoltStoreOpenPutGet(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	store, err := core.OpenBoltStore(sb.Path("ledger.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	defer store.Close()

	wtx, err := store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	key := []byte("account-key")
	val := []byte("account-value")
	if err := wtx.Put(core.TableFrontiers, key, val); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	rtx, err := store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	defer rtx.Discard()
	got, err := rtx.Get(core.TableFrontiers, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("value mismatch: got %q want %q", got, val)
	}
}

// TestBoltStoreReopenPreservesSchemaVersion confirms a store reopened from
// the same sandboxed data directory does not rerun the upgrade chain past
// CurrentSchemaVersion.
func TestBoltStoreReopenPreservesSchemaVersion(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	path := sb.Path("ledger.db")
	store, err := core.OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	rtx, err := store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	v, err := store.Version(rtx)
	rtx.Discard()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if v != core.CurrentSchemaVersion {
		t.Fatalf("version = %d, want %d", v, core.CurrentSchemaVersion)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := core.OpenBoltStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	rtx2, err := reopened.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	defer rtx2.Discard()
	v2, err := reopened.Version(rtx2)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if v2 != core.CurrentSchemaVersion {
		t.Fatalf("reopened version = %d, want %d", v2, core.CurrentSchemaVersion)
	}
}
