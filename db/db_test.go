package db

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/crypto"
	"github.com/onnwee/chatnotes/directory"
)

func migratedDB(t *testing.T) *CursorStore {
	t.Helper()
	db := openTestDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &CursorStore{DB: db}
}

func TestCursorStoreMonotonic(t *testing.T) {
	cs := migratedDB(t)
	ctx := context.Background()

	if _, ok, err := cs.GetCursor(ctx, "A"); err != nil || ok {
		t.Fatalf("GetCursor on empty = ok:%v err:%v", ok, err)
	}
	for _, id := range []string{"9", "100", "99", "100", "", "101"} {
		if err := cs.AdvanceCursor(ctx, "A", id); err != nil {
			t.Fatalf("AdvanceCursor(%q): %v", id, err)
		}
	}
	c, ok, err := cs.GetCursor(ctx, "A")
	if err != nil || !ok {
		t.Fatalf("GetCursor: ok=%v err=%v", ok, err)
	}
	if c.LastSeenMessageID != "101" {
		t.Fatalf("cursor = %q, want 101", c.LastSeenMessageID)
	}
	all, err := cs.ListCursors(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListCursors = %v, %v", all, err)
	}
}

func TestNoteSinkIsIdempotent(t *testing.T) {
	cs := migratedDB(t)
	sink := &NoteSink{DB: cs.DB}
	ctx := context.Background()
	ev := chat.NormalizedMessageEvent{
		SourceMode:  chat.ModePush,
		ChannelID:   "10",
		ExternalID:  "555",
		Author:      chat.Author{ID: "1", Name: "alice"},
		Content:     "https://example.com",
		Attachments: []chat.Attachment{{ID: "a", URL: "https://cdn/a.png", Filename: "a.png"}},
		Links:       []string{"https://example.com"},
		ObservedAt:  time.Now().UTC(),
	}
	if err := sink.Deliver(ctx, ev); err != nil {
		t.Fatal(err)
	}
	ev.SourceMode = chat.ModePull
	if err := sink.Deliver(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	notes, err := sink.ListNotes(ctx, "10", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("notes = %d, want 1", len(notes))
	}
	n := notes[0]
	if n.SourceMode != chat.ModePush || n.Author.Name != "alice" || len(n.Attachments) != 1 || n.Links[0] != "https://example.com" {
		t.Fatalf("note = %+v", n)
	}
}

func TestDirectoryStoreUpsert(t *testing.T) {
	cs := migratedDB(t)
	store := &DirectoryStore{DB: cs.DB}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	err := store.Upsert(ctx,
		directory.Entry{Kind: directory.KindServer, ID: "1", Name: "Guild", Attributes: map[string]string{"icon": "x"}, LastRefreshedAt: now.Add(-time.Hour)},
		directory.Entry{Kind: directory.KindChannel, ID: "10", ParentID: "1", Name: "b-chan", LastRefreshedAt: now},
		directory.Entry{Kind: directory.KindChannel, ID: "11", ParentID: "1", Name: "a-chan", LastRefreshedAt: now},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, directory.Entry{Kind: directory.KindServer, ID: "1", Name: "Renamed", LastRefreshedAt: now}); err != nil {
		t.Fatal(err)
	}
	e, ok, err := store.Get(ctx, directory.KindServer, "1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if e.Name != "Renamed" || !e.LastRefreshedAt.Equal(now) || e.Attributes != nil {
		t.Fatalf("entry = %+v", e)
	}

	chans, err := store.ListByParent(ctx, directory.KindChannel, "1")
	if err != nil || len(chans) != 2 || chans[0].Name != "a-chan" {
		t.Fatalf("ListByParent = %+v, %v", chans, err)
	}

	n, err := store.DeleteOlderThan(ctx, now.Add(time.Second))
	if err != nil || n != 3 {
		t.Fatalf("DeleteOlderThan = %d, %v", n, err)
	}
}

func TestChannelRegistry(t *testing.T) {
	cs := migratedDB(t)
	reg := &ChannelRegistry{DB: cs.DB}
	ctx := context.Background()
	for _, id := range []string{"10", "11", "10"} {
		if err := reg.AddMonitored(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.RemoveMonitored(ctx, "11"); err != nil {
		t.Fatal(err)
	}
	ids, err := reg.ListMonitored(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "10" {
		t.Fatalf("ListMonitored = %v, %v", ids, err)
	}
}

func TestCredentialStoreEncryption(t *testing.T) {
	cs := migratedDB(t)
	ctx := context.Background()
	sealer, err := crypto.NewSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	if err != nil {
		t.Fatal(err)
	}
	store := &CredentialStore{DB: cs.DB, Sealer: sealer}

	src := store.BotCredential("fallback-token")
	if tok, err := src(ctx); err != nil || tok != "fallback-token" {
		t.Fatalf("fallback = %q, %v", tok, err)
	}
	if err := store.Put(ctx, BotCredentialName, "stored-token"); err != nil {
		t.Fatal(err)
	}
	var raw string
	if err := cs.DB.QueryRow(`SELECT secret FROM credentials WHERE name=$1`, BotCredentialName).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "stored-token") {
		t.Fatal("secret stored in plaintext")
	}
	if tok, err := src(ctx); err != nil || tok != "stored-token" {
		t.Fatalf("stored = %q, %v", tok, err)
	}

	plain := &CredentialStore{DB: cs.DB}
	if _, err := plain.Get(ctx, BotCredentialName); err == nil {
		t.Fatal("expected error reading encrypted secret without a key")
	}
}

func TestSealPlaintextCredentials(t *testing.T) {
	cs := migratedDB(t)
	ctx := context.Background()
	plain := &CredentialStore{DB: cs.DB}
	for _, name := range []string{"a", "b"} {
		if err := plain.Put(ctx, name, "secret-"+name); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := plain.SealPlaintext(ctx, false); err == nil {
		t.Fatal("sealing without a key should fail")
	}

	sealer, err := crypto.NewSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("s", 32))))
	if err != nil {
		t.Fatal(err)
	}
	store := &CredentialStore{DB: cs.DB, Sealer: sealer}

	rep, err := store.SealPlaintext(ctx, true)
	if err != nil || rep.Found != 2 || rep.Sealed != 0 {
		t.Fatalf("dry run = %+v, %v", rep, err)
	}
	rep, err = store.SealPlaintext(ctx, false)
	if err != nil || rep.Sealed != 2 {
		t.Fatalf("seal = %+v, %v", rep, err)
	}

	status, err := store.EncryptionStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status[0] != 0 || status[1] != 2 {
		t.Errorf("status = %v", status)
	}
	if got, err := store.Get(ctx, "a"); err != nil || got != "secret-a" {
		t.Errorf("Get after seal = %q, %v", got, err)
	}

	rep, err = store.SealPlaintext(ctx, false)
	if err != nil || rep.Found != 0 {
		t.Errorf("second run = %+v, %v", rep, err)
	}
}
