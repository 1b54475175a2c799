package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaycrm/mailsync/internal/mail"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConnection(t *testing.T, store *Store, userID string) *mail.Connection {
	t.Helper()
	conn := &mail.Connection{
		UserID:       userID,
		Email:        userID + "@x.com",
		Provider:     mail.ProviderGoogle,
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenExpiry:  time.Now().Add(time.Hour),
	}
	if err := store.CreateConnection(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

func testEmail(stableID string) *mail.ParsedEmail {
	return &mail.ParsedEmail{
		StableID:   stableID,
		ProviderID: "prov-1",
		ThreadID:   "thread-1",
		Direction:  mail.DirectionInbound,
		Subject:    "hello",
		BodyText:   "body",
		From:       mail.Address{Email: "sender@remote.example"},
		Recipients: []mail.Recipient{
			{Address: mail.Address{Email: "u1@x.com"}, Kind: mail.RecipientTo},
		},
		ReceivedAt: time.Unix(1700000000, 0),
		Labels:     []string{"INBOX"},
		Attachments: []mail.Attachment{
			{AttachmentID: "att-1", Filename: "report.pdf", MimeType: "application/pdf", Size: 2048},
		},
	}
}

func TestIngestIdempotent(t *testing.T) {
	store := newTestStore(t)
	conn := testConnection(t, store, "u1")
	vis := mail.Visibility{Folder: "inbox", IsRead: false}
	ctx := context.Background()

	id1, outcome, err := store.Ingest(ctx, testEmail("<a@remote>"), conn, vis)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mail.IngestStored {
		t.Errorf("first ingest = %v, want stored", outcome)
	}

	// Same message, same user: everything converges, nothing duplicates.
	id2, outcome, err := store.Ingest(ctx, testEmail("<a@remote>"), conn, vis)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mail.IngestDeduplicated {
		t.Errorf("second ingest = %v, want deduplicated", outcome)
	}
	if id1 != id2 {
		t.Errorf("ids diverged: %q vs %q", id1, id2)
	}

	if n, _ := store.CountVisibility(ctx, id1); n != 1 {
		t.Errorf("visibility rows = %d, want 1", n)
	}
	if n, _ := store.CountAttachments(ctx, id1); n != 1 {
		t.Errorf("attachment rows = %d, want 1", n)
	}
}

func TestIngestSecondUserAttachesVisibility(t *testing.T) {
	store := newTestStore(t)
	alice := testConnection(t, store, "u1")
	bob := testConnection(t, store, "u2")
	ctx := context.Background()

	id, _, err := store.Ingest(ctx, testEmail("<a@remote>"), alice, mail.Visibility{Folder: "inbox"})
	if err != nil {
		t.Fatal(err)
	}
	_, outcome, err := store.Ingest(ctx, testEmail("<a@remote>"), bob, mail.Visibility{Folder: "sent", IsRead: true})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mail.IngestDeduplicated {
		t.Errorf("outcome = %v, want deduplicated", outcome)
	}

	if n, _ := store.CountVisibility(ctx, id); n != 2 {
		t.Errorf("visibility rows = %d, want one per user", n)
	}
	vis, err := store.GetVisibility(ctx, id, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if vis == nil || vis.Folder != "sent" || !vis.IsRead {
		t.Errorf("bob's visibility = %+v", vis)
	}
}

// Two passes observing the same message at the same time must both succeed
// and converge on one email row: the loser of the insert race reads the
// winner's id and attaches its visibility to it.
func TestIngestConcurrent(t *testing.T) {
	store := newTestStore(t)
	alice := testConnection(t, store, "u1")
	bob := testConnection(t, store, "u2")

	conns := []*mail.Connection{alice, bob}
	outcomes := make([]mail.IngestOutcome, len(conns))
	errs := make([]error, len(conns))

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *mail.Connection) {
			defer wg.Done()
			_, outcomes[i], errs[i] = store.Ingest(context.Background(),
				testEmail("<race@remote>"), conn, mail.Visibility{Folder: "inbox"})
		}(i, conn)
	}
	wg.Wait()

	var stored, deduplicated int
	for i := range conns {
		if errs[i] != nil {
			t.Fatalf("ingest %d: %v", i, errs[i])
		}
		switch outcomes[i] {
		case mail.IngestStored:
			stored++
		case mail.IngestDeduplicated:
			deduplicated++
		}
	}
	if stored != 1 || deduplicated != 1 {
		t.Errorf("outcomes = %v, want one stored and one deduplicated", outcomes)
	}

	email, err := store.GetEmailByStableID(context.Background(), "<race@remote>")
	if err != nil {
		t.Fatal(err)
	}
	if email == nil {
		t.Fatal("email not stored")
	}
	if n, _ := store.CountVisibility(context.Background(), email.ID); n != 2 {
		t.Errorf("visibility rows = %d, want one per user", n)
	}
}

func TestIngestVisibilityUpsertUpdatesState(t *testing.T) {
	store := newTestStore(t)
	conn := testConnection(t, store, "u1")
	ctx := context.Background()

	id, _, err := store.Ingest(ctx, testEmail("<a@remote>"), conn, mail.Visibility{Folder: "inbox", IsRead: false})
	if err != nil {
		t.Fatal(err)
	}

	// The message was read remotely since the last pass.
	if _, _, err := store.Ingest(ctx, testEmail("<a@remote>"), conn, mail.Visibility{Folder: "inbox", IsRead: true}); err != nil {
		t.Fatal(err)
	}

	vis, err := store.GetVisibility(ctx, id, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !vis.IsRead {
		t.Error("visibility upsert must apply the newer read state")
	}
}

func TestRetireMessage(t *testing.T) {
	store := newTestStore(t)
	conn := testConnection(t, store, "u1")
	ctx := context.Background()

	id, _, err := store.Ingest(ctx, testEmail("<a@remote>"), conn, mail.Visibility{Folder: "inbox"})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.RetireMessage(ctx, "<a@remote>"); err != nil {
		t.Fatal(err)
	}

	stored, err := store.GetEmailByStableID(ctx, "<a@remote>")
	if err != nil {
		t.Fatal(err)
	}
	if stored != nil {
		t.Error("retired email still readable")
	}
	if n, _ := store.CountVisibility(ctx, id); n != 0 {
		t.Errorf("visibility rows = %d after retire", n)
	}
	if n, _ := store.CountAttachments(ctx, id); n != 0 {
		t.Errorf("attachment rows = %d after retire", n)
	}

	// The marker outlives the row: the id can never come back.
	_, outcome, err := store.Ingest(ctx, testEmail("<a@remote>"), conn, mail.Visibility{Folder: "inbox"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mail.IngestSkipped {
		t.Errorf("re-ingest after retire = %v, want skipped", outcome)
	}
}

func TestRetireUnknownMessage(t *testing.T) {
	store := newTestStore(t)

	// Retiring an id that was never stored just writes the marker.
	if err := store.RetireMessage(context.Background(), "<never-seen@remote>"); err != nil {
		t.Fatal(err)
	}
	if err := store.RetireMessage(context.Background(), "<never-seen@remote>"); err != nil {
		t.Errorf("retire must be idempotent: %v", err)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	store := newTestStore(t)
	conn := testConnection(t, store, "u1")
	ctx := context.Background()

	expiry := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	if err := store.UpdateConnectionToken(ctx, conn.ID, "fresh-token", expiry); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSyncError(ctx, conn.ID, "history sync: boom"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.AccessToken != "fresh-token" || !reloaded.TokenExpiry.Equal(expiry) {
		t.Errorf("token state = %q %v", reloaded.AccessToken, reloaded.TokenExpiry)
	}
	if reloaded.LastError != "history sync: boom" {
		t.Errorf("last error = %q", reloaded.LastError)
	}

	// A later success clears the failure and advances the cursor.
	syncedAt := time.Now().Truncate(time.Second)
	if err := store.SaveSyncSuccess(ctx, conn.ID, "12345", syncedAt); err != nil {
		t.Fatal(err)
	}
	reloaded, _ = store.GetConnection(ctx, conn.ID)
	if reloaded.HistoryCursor != "12345" {
		t.Errorf("cursor = %q", reloaded.HistoryCursor)
	}
	if reloaded.LastError != "" {
		t.Errorf("last error = %q, want cleared", reloaded.LastError)
	}
	if !reloaded.LastSyncAt.Equal(syncedAt) {
		t.Errorf("last sync at = %v, want %v", reloaded.LastSyncAt, syncedAt)
	}

	if err := store.SetConnectionActive(ctx, conn.ID, false); err != nil {
		t.Fatal(err)
	}
	active, err := store.ListActiveConnections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active connections = %d after disconnect", len(active))
	}
	all, err := store.ListConnections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("disconnect must not delete the row, got %d rows", len(all))
	}
}

func TestSetConnectionActiveUnknownID(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetConnectionActive(context.Background(), "nope", false); err == nil {
		t.Error("expected error for unknown connection")
	}
}

func TestSaveSyncSuccessEmptyCursorClearsIt(t *testing.T) {
	store := newTestStore(t)
	conn := testConnection(t, store, "u1")
	ctx := context.Background()

	if err := store.SaveSyncSuccess(ctx, conn.ID, "100", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSyncSuccess(ctx, conn.ID, "", time.Now()); err != nil {
		t.Fatal(err)
	}

	reloaded, _ := store.GetConnection(ctx, conn.ID)
	if reloaded.HistoryCursor != "" {
		t.Errorf("cursor = %q, want empty", reloaded.HistoryCursor)
	}
}
