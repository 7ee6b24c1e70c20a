package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/models"
	"github.com/tourlingo/signaling/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewEngine(st, Config{}, zerolog.Nop()), st
}

func seedAnswer(t *testing.T, st *store.Store, tourID, lang, attendeeID string) {
	t.Helper()
	raw, _ := json.Marshal(models.Answer{Answer: "sdp", AttendeeID: attendeeID, Timestamp: time.Unix(0, 0)})
	if _, err := st.ListAppend(context.Background(), store.AnswersKey(tourID, lang), string(raw)); err != nil {
		t.Fatalf("seed answer: %v", err)
	}
}

func seedCandidates(t *testing.T, st *store.Store, sender, tourID, attendeeID, lang string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := st.ListAppend(context.Background(),
			store.IceKey(sender, tourID, attendeeID, lang), fmt.Sprintf("candidate:%d", i)); err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
	}
}

func TestRepairTrimsBalloonedIceSequence(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	seedCandidates(t, st, models.SenderGuide, "tour-1", "att-1", "french", 25)
	seedAnswer(t, st, "tour-1", "french", "att-1")

	result, err := e.Repair(ctx, "tour-1", "french", "att-1")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("actions = %v, want exactly the trim", result.Actions)
	}

	got, err := st.ListRange(ctx, store.IceKey(models.SenderGuide, "tour-1", "att-1", "french"), 0, -1)
	if err != nil {
		t.Fatalf("ListRange: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("trimmed to %d entries, want 10", len(got))
	}
	for i, c := range got {
		if want := fmt.Sprintf("candidate:%d", 15+i); c != want {
			t.Fatalf("entry %d = %q, want %q (most recent, original order)", i, c, want)
		}
	}

	// Idempotent: a second repair finds nothing to do.
	again, err := e.Repair(ctx, "tour-1", "french", "att-1")
	if err != nil {
		t.Fatalf("second Repair: %v", err)
	}
	if len(again.Actions) != 0 {
		t.Fatalf("second repair acted: %v", again.Actions)
	}
}

func TestRepairDeletesStaleAnswers(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := st.SetAdd(ctx, store.LanguageAttendeesKey("tour-1", "french"), "att-1"); err != nil {
		t.Fatalf("seed attendee: %v", err)
	}
	seedAnswer(t, st, "tour-1", "french", "att-1")
	// Attendee candidates exist so the attendee ICE list is not orphaned;
	// guide candidates are absent, which makes the answers stale.
	seedCandidates(t, st, models.SenderAttendee, "tour-1", "att-1", "french", 2)

	result, err := e.Repair(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("actions = %v, want only the stale-answer deletion", result.Actions)
	}
	if n, _ := st.ListLen(ctx, store.AnswersKey("tour-1", "french")); n != 0 {
		t.Fatalf("stale answers not deleted: %d left", n)
	}
}

func TestRepairDeletesOrphanedAttendeeIce(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := st.SetAdd(ctx, store.LanguageAttendeesKey("tour-1", "french"), "att-1"); err != nil {
		t.Fatalf("seed attendee: %v", err)
	}
	// Candidates with no answer from the attendee.
	seedCandidates(t, st, models.SenderAttendee, "tour-1", "att-1", "french", 3)

	result, err := e.Repair(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("actions = %v, want only the orphan deletion", result.Actions)
	}
	if n, _ := st.ListLen(ctx, store.IceKey(models.SenderAttendee, "tour-1", "att-1", "french")); n != 0 {
		t.Fatalf("orphaned ICE sequence not deleted: %d left", n)
	}
}

func TestRepairForcesGuideStatusForRealOffer(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	offer := models.Offer{Type: "offer", SDP: "v=0\r\n"}
	if err := st.SetJSON(ctx, store.OfferKey("tour-1", "french"), offer, 0); err != nil {
		t.Fatalf("seed offer: %v", err)
	}

	result, err := e.Repair(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("actions = %v, want the status force-set", result.Actions)
	}

	var status models.GuideStatus
	if found, _ := st.GetJSON(ctx, store.LanguageStatusKey("tour-1", "french"), &status); !found {
		t.Fatal("per-language status not written")
	}
	if status.Status != models.BroadcastStatusBroadcasting {
		t.Fatalf("status = %q, want broadcasting", status.Status)
	}

	again, err := e.Repair(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("second Repair: %v", err)
	}
	if len(again.Actions) != 0 {
		t.Fatalf("second repair acted: %v", again.Actions)
	}
}

func TestRepairWithNothingToRepair(t *testing.T) {
	e, _ := newTestEngine(t)

	result, err := e.Repair(context.Background(), "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Repair on empty state: %v", err)
	}
	if len(result.Actions) != 0 {
		t.Fatalf("actions on empty state: %v", result.Actions)
	}
}

func TestInspectClassifiesIssues(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	// Nothing stored at all: no offer, no answers.
	report, err := e.Inspect(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if report.OfferPresent {
		t.Fatal("phantom offer reported")
	}
	if len(report.Issues) == 0 {
		t.Fatal("no issues reported for an empty coordinate")
	}

	// Placeholder offer with answers but no guide candidates.
	placeholder := models.Offer{Status: models.OfferStatusPending, Language: "french"}
	if err := st.SetJSON(ctx, store.OfferKey("tour-1", "french"), placeholder, 0); err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}
	if _, err := st.SetAdd(ctx, store.LanguageAttendeesKey("tour-1", "french"), "att-1"); err != nil {
		t.Fatalf("seed attendee: %v", err)
	}
	seedAnswer(t, st, "tour-1", "french", "att-1")

	report, err = e.Inspect(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !report.OfferPlaceholder || report.AnswerCount != 1 || report.GuideCandidates != 0 {
		t.Fatalf("report = %+v", report)
	}
	foundProgressIssue := false
	for _, issue := range report.Issues {
		if issue == "answers present but zero guide candidates: WebRTC negotiation is not progressing" {
			foundProgressIssue = true
		}
	}
	if !foundProgressIssue {
		t.Fatalf("progress issue missing from %v", report.Issues)
	}
}

func TestInspectSurfacesUnreadableGuideStatus(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := st.SetString(ctx, store.LanguageStatusKey("tour-1", "french"), "{not json", 0); err != nil {
		t.Fatalf("seed corrupt status: %v", err)
	}
	report, err := e.Inspect(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if report.GuideStatus != "" {
		t.Fatalf("GuideStatus = %q from corrupt payload", report.GuideStatus)
	}
	found := false
	for _, issue := range report.Issues {
		if issue == "guide status unreadable" {
			found = true
		}
	}
	if !found {
		t.Fatalf("unreadable status not surfaced in %v", report.Issues)
	}
}

func TestInspectSurvivesCorruptOffer(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := st.SetString(ctx, store.OfferKey("tour-1", "french"), "{not json", 0); err != nil {
		t.Fatalf("seed corrupt offer: %v", err)
	}
	report, err := e.Inspect(ctx, "tour-1", "french", "")
	if err != nil {
		t.Fatalf("Inspect on corrupt offer: %v", err)
	}
	foundCorrupt := false
	for _, issue := range report.Issues {
		if issue == "stored offer payload is corrupt and unusable" {
			foundCorrupt = true
		}
	}
	if !foundCorrupt {
		t.Fatalf("corruption not surfaced in %v", report.Issues)
	}
}
