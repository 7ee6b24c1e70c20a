package relay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/errs"
	"github.com/tourlingo/signaling/internal/events"
	"github.com/tourlingo/signaling/internal/metrics"
	"github.com/tourlingo/signaling/internal/models"
	"github.com/tourlingo/signaling/internal/store"
	"github.com/tourlingo/signaling/internal/tours"
)

const realOffer = `{"type":"offer","sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1\r\ns=-\r\n"}`

func newTestRelay(t *testing.T) (*Relay, *tours.Manager, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	em := events.NewEmitter(st, zerolog.Nop())
	tm := tours.NewManager(st, em, tours.Config{}, zerolog.Nop())
	rl := New(st, tm, em, metrics.New(), Config{}, zerolog.Nop())
	return rl, tm, st
}

func startTour(t *testing.T, tm *tours.Manager, languages ...string) *models.Tour {
	t.Helper()
	tour, err := tm.Start(context.Background(), "guide-1", languages, languages[0])
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return tour
}

func TestRealOfferReplacesPlaceholder(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	stored, err := rl.PutOffer(ctx, tour.ID, "french", []byte(realOffer))
	if err != nil {
		t.Fatalf("PutOffer(real): %v", err)
	}
	if !stored {
		t.Fatal("real offer did not replace the placeholder")
	}

	offer, err := rl.GetOffer(ctx, tour.ID, "french", "", "")
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if offer.IsPlaceholder() || offer.SDP == "" {
		t.Fatalf("stored offer is not real: %+v", offer)
	}
}

func TestPlaceholderNeverOverwritesRealOffer(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	if _, err := rl.PutOffer(ctx, tour.ID, "french", []byte(realOffer)); err != nil {
		t.Fatalf("PutOffer(real): %v", err)
	}
	stored, err := rl.PutOffer(ctx, tour.ID, "french", []byte(`{"status":"pending"}`))
	if err != nil {
		t.Fatalf("PutOffer(placeholder): %v", err)
	}
	if stored {
		t.Fatal("placeholder overwrote a real offer")
	}

	offer, err := rl.GetOffer(ctx, tour.ID, "french", "", "")
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if offer.IsPlaceholder() {
		t.Fatal("stored value regressed to a placeholder")
	}
}

func TestPutOfferRejectsUnmarkedPayload(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	tour := startTour(t, tm, "french")

	_, err := rl.PutOffer(context.Background(), tour.ID, "french", []byte(`{"type":"offer","sdp":"no marker here"}`))
	if !errs.IsValidation(err) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestPutOfferRepairsDoubleEncodedPayload(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	// The whole offer JSON arrived wrapped as a JSON string.
	corrupted := `"{\"type\":\"offer\",\"sdp\":\"v=0\\r\\n\"}"`
	stored, err := rl.PutOffer(ctx, tour.ID, "french", []byte(corrupted))
	if err != nil {
		t.Fatalf("PutOffer(corrupted): %v", err)
	}
	if !stored {
		t.Fatal("repaired offer was not stored")
	}
	offer, err := rl.GetOffer(ctx, tour.ID, "french", "", "")
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if offer.SDP == "" {
		t.Fatalf("repaired offer has no SDP: %+v", offer)
	}
}

func TestGetOfferByCodeRegistersAttendee(t *testing.T) {
	rl, tm, st := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	offer, err := rl.GetOffer(ctx, tour.Code, "french", "att-1", "Ada")
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if !offer.IsPlaceholder() {
		t.Fatalf("expected placeholder before the guide publishes, got %+v", offer)
	}

	if ok, _ := st.SetIsMember(ctx, store.AttendeesKey(tour.ID), "att-1"); !ok {
		t.Fatal("attendee missing from tour-wide set")
	}
	if ok, _ := st.SetIsMember(ctx, store.LanguageAttendeesKey(tour.ID, "french"), "att-1"); !ok {
		t.Fatal("attendee missing from per-language set")
	}
	var detail models.AttendeeDetail
	if found, _ := st.GetJSON(ctx, store.AttendeeKey(tour.ID, "att-1"), &detail); !found || detail.Name != "Ada" {
		t.Fatalf("attendee detail = (%+v, %v)", detail, found)
	}

	// Rejoin with a different name must not overwrite the detail.
	if _, err := rl.GetOffer(ctx, tour.Code, "french", "att-1", "Someone Else"); err != nil {
		t.Fatalf("rejoin GetOffer: %v", err)
	}
	if found, _ := st.GetJSON(ctx, store.AttendeeKey(tour.ID, "att-1"), &detail); !found || detail.Name != "Ada" {
		t.Fatalf("attendee detail overwritten on rejoin: %+v", detail)
	}
}

func TestGetOfferUnknownCodeMutatesNothing(t *testing.T) {
	rl, tm, st := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	if _, err := rl.GetOffer(ctx, "NOSUCH", "french", "att-1", ""); !errs.IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}
	if n, _ := st.SetCard(ctx, store.AttendeesKey(tour.ID)); n != 0 {
		t.Fatalf("attendee set mutated on failed lookup: %d members", n)
	}
}

func TestGetOfferUnsupportedLanguage(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	tour := startTour(t, tm, "french")

	if _, err := rl.GetOffer(context.Background(), tour.Code, "german", "att-1", ""); !errs.IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestIceCandidateDedup(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	cand := `{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host","sdpMid":"0"}`
	first, err := rl.PutIceCandidate(ctx, "guide", tour.ID, "att-1", "french", cand)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if first.Duplicate || first.Count != 1 {
		t.Fatalf("first put = %+v", first)
	}

	second, err := rl.PutIceCandidate(ctx, "guide", tour.ID, "att-1", "french", cand)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if !second.Duplicate || second.Count != 1 {
		t.Fatalf("second put = %+v, want duplicate with unchanged count", second)
	}
}

func TestIceCandidateSenderValidation(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	tour := startTour(t, tm, "french")

	_, err := rl.PutIceCandidate(context.Background(), "spectator", tour.ID, "att-1", "french", "candidate:x")
	if !errs.IsValidation(err) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestLanguageSpellingsShareCoordinates(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "French")

	if _, err := rl.PutIceCandidate(ctx, "attendee", tour.ID, "att-1", "French", "candidate:a"); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := rl.PutIceCandidate(ctx, "attendee", tour.ID, "att-1", "FRENCH", "candidate:a")
	if err != nil {
		t.Fatalf("put variant casing: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("differently-cased language did not resolve to the same sequence")
	}

	got, err := rl.GetIceCandidates(ctx, "attendee", tour.ID, "att-1", "french ", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates across spellings, want 1", len(got))
	}
}

func TestGetIceCandidatesSince(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	for _, c := range []string{"candidate:a", "candidate:b", "candidate:c"} {
		if _, err := rl.PutIceCandidate(ctx, "guide", tour.ID, "att-1", "french", c); err != nil {
			t.Fatalf("put %s: %v", c, err)
		}
	}
	got, err := rl.GetIceCandidates(ctx, "guide", tour.ID, "att-1", "french", 2)
	if err != nil {
		t.Fatalf("get since=2: %v", err)
	}
	if len(got) != 1 || got[0] != "candidate:c" {
		t.Fatalf("since=2 returned %v, want [candidate:c]", got)
	}
}

func TestPutAnswerInvalidatesCache(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	if _, err := rl.PutAnswer(ctx, tour.ID, "french", "att-1", "answer-sdp-1"); err != nil {
		t.Fatalf("PutAnswer: %v", err)
	}
	answers, err := rl.GetAnswers(ctx, tour.ID, "french")
	if err != nil || len(answers) != 1 {
		t.Fatalf("GetAnswers = (%v, %v), want 1 answer", answers, err)
	}

	// The snapshot is now cached; a new answer must still be visible on the
	// next read.
	if _, err := rl.PutAnswer(ctx, tour.ID, "french", "att-1", "answer-sdp-2"); err != nil {
		t.Fatalf("PutAnswer: %v", err)
	}
	answers, err = rl.GetAnswers(ctx, tour.ID, "french")
	if err != nil {
		t.Fatalf("GetAnswers: %v", err)
	}
	if len(answers) != 2 || answers[1].Answer != "answer-sdp-2" {
		t.Fatalf("cache not invalidated: %+v", answers)
	}
}

func TestAnswersRetainRenegotiations(t *testing.T) {
	rl, tm, _ := newTestRelay(t)
	ctx := context.Background()
	tour := startTour(t, tm, "french")

	for i := 0; i < 3; i++ {
		if _, err := rl.PutAnswer(ctx, tour.ID, "french", "att-1", "same-answer"); err != nil {
			t.Fatalf("PutAnswer: %v", err)
		}
	}
	answers, err := rl.GetAnswers(ctx, tour.ID, "french")
	if err != nil {
		t.Fatalf("GetAnswers: %v", err)
	}
	if len(answers) != 3 {
		t.Fatalf("answers deduplicated: got %d, want 3", len(answers))
	}
}
