package uiddb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mailctl/eml/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "uids.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndGetPulledUIDs(t *testing.T) {
	db := openTestDB(t)

	for _, uid := range []int64{1, 2, 3} {
		err := db.RecordPull(model.PulledRecord{
			Account:     "acct",
			Folder:      "INBOX",
			UIDValidity: 100,
			UID:         uid,
			ContentHash: "hash" + string(rune('0'+uid)),
			Status:      model.StatusNew,
		})
		if err != nil {
			t.Fatalf("RecordPull(%d): %v", uid, err)
		}
	}

	uids, err := db.GetPulledUIDs("acct", "INBOX", 100)
	if err != nil {
		t.Fatalf("GetPulledUIDs: %v", err)
	}
	if len(uids) != 3 || !uids[1] || !uids[2] || !uids[3] {
		t.Errorf("GetPulledUIDs = %v, want {1,2,3}", uids)
	}

	count, err := db.GetPulledCount("acct", "INBOX", 100)
	if err != nil || count != 3 {
		t.Errorf("GetPulledCount = %d, %v, want 3, nil", count, err)
	}
}

func TestHasContentHashAndDedup(t *testing.T) {
	db := openTestDB(t)
	if err := db.RecordPull(model.PulledRecord{
		Account: "acct", Folder: "INBOX", UIDValidity: 1, UID: 1,
		ContentHash: "deadbeef", LocalPath: "/archive/acct/inbox/deadbeef.eml",
	}); err != nil {
		t.Fatalf("RecordPull: %v", err)
	}

	has, err := db.HasContentHash("deadbeef")
	if err != nil || !has {
		t.Errorf("HasContentHash = %v, %v, want true, nil", has, err)
	}

	path, ok, err := db.GetPathByContentHash("deadbeef")
	if err != nil || !ok || path != "/archive/acct/inbox/deadbeef.eml" {
		t.Errorf("GetPathByContentHash = %q, %v, %v", path, ok, err)
	}

	if has, _ := db.HasContentHash("nonexistent"); has {
		t.Error("expected HasContentHash(nonexistent) = false")
	}
}

func TestGetUIDValidityTiesBreakByCount(t *testing.T) {
	db := openTestDB(t)
	// uidvalidity 100 gets 1 row, uidvalidity 200 gets 2 rows -> 200 should win.
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 100, UID: 1, ContentHash: "h1"})
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 200, UID: 1, ContentHash: "h2"})
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 200, UID: 2, ContentHash: "h3"})

	uv, ok, err := db.GetUIDValidity("a", "f")
	if err != nil || !ok || uv != 200 {
		t.Errorf("GetUIDValidity = %d, %v, %v, want 200, true, nil", uv, ok, err)
	}

	if _, ok, _ := db.GetUIDValidity("a", "missing"); ok {
		t.Error("expected ok=false for folder with no records")
	}
}

func TestServerUIDsAndUnpulled(t *testing.T) {
	db := openTestDB(t)

	err := db.RecordServerUIDs("a", "f", 1, []model.ServerUID{
		{UID: 1, MessageID: "m1"},
		{UID: 2, MessageID: "m2"},
		{UID: 3},
	})
	if err != nil {
		t.Fatalf("RecordServerUIDs: %v", err)
	}

	if err := db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 1, ContentHash: "h1"}); err != nil {
		t.Fatalf("RecordPull: %v", err)
	}

	unpulled, err := db.GetUnpulledUIDs("a", "f", 1)
	if err != nil {
		t.Fatalf("GetUnpulledUIDs: %v", err)
	}
	want := map[int64]bool{2: true, 3: true}
	if len(unpulled) != 2 {
		t.Fatalf("GetUnpulledUIDs = %v, want 2 entries", unpulled)
	}
	for _, uid := range unpulled {
		if !want[uid] {
			t.Errorf("unexpected unpulled uid %d", uid)
		}
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.StartRun(model.SyncRun{
		Operation: model.OpPull, Account: "a", Folder: "f", Tag: "abc123", StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	err = db.FinishRun(id, model.SyncRun{
		EndedAt: time.Now(), Status: model.RunCompleted, Total: 10, Fetched: 8, Skipped: 2,
	})
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	last, err := db.LastRun(model.OpPull, "a", "f")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if last == nil || last.Status != model.RunCompleted || last.Fetched != 8 {
		t.Errorf("LastRun = %+v", last)
	}
}

func TestClearFolder(t *testing.T) {
	db := openTestDB(t)
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 1, ContentHash: "h1"})
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 2, ContentHash: "h2"})

	n, err := db.ClearFolder("a", "f", 0)
	if err != nil || n != 2 {
		t.Errorf("ClearFolder = %d, %v, want 2, nil", n, err)
	}

	count, _ := db.GetPulledCount("a", "f", 0)
	if count != 0 {
		t.Errorf("expected 0 remaining, got %d", count)
	}
}

func TestGetUIDsWithoutMessageID(t *testing.T) {
	db := openTestDB(t)
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 1, ContentHash: "h1", MessageID: "m1@x"})
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 2, ContentHash: "h2"})
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 3, ContentHash: "h3"})

	uids, err := db.GetUIDsWithoutMessageID("a", "f", 1)
	if err != nil {
		t.Fatalf("GetUIDsWithoutMessageID: %v", err)
	}
	if len(uids) != 2 || uids[0] != 2 || uids[1] != 3 {
		t.Errorf("GetUIDsWithoutMessageID = %v, want [2 3]", uids)
	}
}

func TestGetPullsByHour(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 1, ContentHash: "h1", Status: model.StatusNew, PulledAt: now})
	db.RecordPull(model.PulledRecord{Account: "a", Folder: "f", UIDValidity: 1, UID: 2, ContentHash: "h2", Status: model.StatusSkipped, PulledAt: now})
	db.RecordPull(model.PulledRecord{Account: "b", Folder: "f", UIDValidity: 1, UID: 1, ContentHash: "h3", Status: model.StatusFailed, PulledAt: now})

	all, err := db.GetPullsByHour(24, "")
	if err != nil {
		t.Fatalf("GetPullsByHour: %v", err)
	}
	if len(all) != 1 || all[0].Total != 3 || all[0].Fetched != 1 || all[0].Skipped != 1 || all[0].Failed != 1 {
		t.Fatalf("GetPullsByHour(all) = %+v, want one bucket totalling 3", all)
	}

	scoped, err := db.GetPullsByHour(24, "a")
	if err != nil {
		t.Fatalf("GetPullsByHour(a): %v", err)
	}
	if len(scoped) != 1 || scoped[0].Total != 2 {
		t.Fatalf("GetPullsByHour(a) = %+v, want one bucket totalling 2", scoped)
	}
}

func TestGetRecentPulls(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().Add(-time.Hour)
	db.RecordPull(model.PulledRecord{
		Account: "a", Folder: "f", UIDValidity: 1, UID: 1, ContentHash: "h1",
		Status: model.StatusNew, LocalPath: "a/1.eml", PulledAt: base,
	})
	db.RecordPull(model.PulledRecord{
		Account: "a", Folder: "f", UIDValidity: 1, UID: 2, ContentHash: "h2",
		Status: model.StatusFailed, PulledAt: base.Add(time.Minute),
	})

	recent, err := db.GetRecentPulls(10, false)
	if err != nil {
		t.Fatalf("GetRecentPulls: %v", err)
	}
	if len(recent) != 2 || recent[0].UID != 2 {
		t.Fatalf("GetRecentPulls = %+v, want newest (uid 2) first", recent)
	}

	withPath, err := db.GetRecentPulls(10, true)
	if err != nil {
		t.Fatalf("GetRecentPulls(withPathOnly): %v", err)
	}
	if len(withPath) != 1 || withPath[0].UID != 1 {
		t.Fatalf("GetRecentPulls(withPathOnly) = %+v, want only uid 1", withPath)
	}
}

func TestGetThreadAndGetReplies(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().Add(-time.Hour)

	db.RecordPull(model.PulledRecord{
		Account: "a", Folder: "f", UIDValidity: 1, UID: 1, ContentHash: "h1",
		MessageID: "root@x", MsgDate: base,
	})
	db.RecordPull(model.PulledRecord{
		Account: "a", Folder: "f", UIDValidity: 1, UID: 2, ContentHash: "h2",
		MessageID: "reply1@x", InReplyTo: "root@x", MsgDate: base.Add(time.Minute),
	})
	db.RecordPull(model.PulledRecord{
		Account: "a", Folder: "f", UIDValidity: 1, UID: 3, ContentHash: "h3",
		MessageID: "reply2@x", References: "root@x reply1@x", MsgDate: base.Add(2 * time.Minute),
	})
	db.RecordPull(model.PulledRecord{
		Account: "a", Folder: "f", UIDValidity: 1, UID: 4, ContentHash: "h4",
		MessageID: "unrelated@x", InReplyTo: "other-root@x", MsgDate: base.Add(3 * time.Minute),
	})

	thread, err := db.GetThread("root@x")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(thread.Messages) != 3 {
		t.Fatalf("GetThread messages = %+v, want 3", thread.Messages)
	}
	wantOrder := []string{"root@x", "reply1@x", "reply2@x"}
	for i, m := range thread.Messages {
		if m.MessageID != wantOrder[i] {
			t.Errorf("GetThread order[%d] = %q, want %q", i, m.MessageID, wantOrder[i])
		}
	}

	replies, err := db.GetReplies("root@x")
	if err != nil {
		t.Fatalf("GetReplies: %v", err)
	}
	if len(replies) != 1 || replies[0].MessageID != "reply1@x" {
		t.Fatalf("GetReplies = %+v, want only reply1@x", replies)
	}
}
