package outlook

import (
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

func strPtr(s string) *string { return &s }

func TestHistoryFilterKeepsBoundarySecond(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := "receivedDateTime ge 2024-05-01T12:00:00Z"
	if got := historyFilter(since); got != want {
		t.Errorf("filter = %q, want %q: a strict comparison drops messages sharing the cursor's second", got, want)
	}

	// Non-UTC cursors are normalized before hitting the wire.
	offset := time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	if got := historyFilter(offset); got != want {
		t.Errorf("filter = %q, want %q", got, want)
	}
}

func TestCollectRefs(t *testing.T) {
	older := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	m1 := models.NewMessage()
	m1.SetId(strPtr("m1"))
	m1.SetConversationId(strPtr("c1"))
	m1.SetReceivedDateTime(&newer)

	m2 := models.NewMessage()
	m2.SetId(strPtr("m2"))
	m2.SetReceivedDateTime(&older)

	noID := models.NewMessage()

	refs, newest := collectRefs([]models.Messageable{m1, nil, noID, m2})
	if len(refs) != 2 {
		t.Fatalf("refs = %+v", refs)
	}
	if refs[0].ID != "m1" || refs[0].ThreadID != "c1" {
		t.Errorf("first ref = %+v", refs[0])
	}
	if !newest.Equal(newer) {
		t.Errorf("newest = %v, want %v", newest, newer)
	}
}
