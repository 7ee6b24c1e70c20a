// Package relay implements the store-and-forward signaling relay: offers with
// replace-if-placeholder semantics, append-only answer sequences, and
// deduplicated ICE candidate sequences, all keyed by tour and language.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/errs"
	"github.com/tourlingo/signaling/internal/events"
	"github.com/tourlingo/signaling/internal/metrics"
	"github.com/tourlingo/signaling/internal/models"
	"github.com/tourlingo/signaling/internal/store"
	"github.com/tourlingo/signaling/internal/tours"
)

// Config tunes the relay.
type Config struct {
	OfferTTL        time.Duration
	AnswersCacheTTL time.Duration
}

// Relay is shared by all request handlers; all state lives in the store. The
// answers cache is the only in-process state and is purely an optimization
// for duplicate polling load.
type Relay struct {
	store   *store.Store
	tours   *tours.Manager
	events  *events.Emitter
	metrics *metrics.Metrics
	answers *expirable.LRU[string, []models.Answer]
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

func New(s *store.Store, tm *tours.Manager, em *events.Emitter, mx *metrics.Metrics, cfg Config, log zerolog.Logger) *Relay {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 2 * time.Hour
	}
	if cfg.AnswersCacheTTL <= 0 {
		cfg.AnswersCacheTTL = 3 * time.Second
	}
	return &Relay{
		store:   s,
		tours:   tm,
		events:  em,
		metrics: mx,
		answers: expirable.NewLRU[string, []models.Answer](1024, nil, cfg.AnswersCacheTTL),
		cfg:     cfg,
		log:     log.With().Str("component", "relay").Logger(),
		now:     time.Now,
	}
}

// PutOffer stores an offer for (tour, language). The write is a scripted
// compare-and-swap: a stored placeholder may be replaced by anything, a
// stored real offer only by a payload validated as real. An invalid payload
// gets one corruption-repair attempt before rejection. Returns whether the
// stored value changed; a placeholder arriving after a real offer is a
// successful no-op.
func (r *Relay) PutOffer(ctx context.Context, tourID, language string, payload []byte) (bool, error) {
	lang := models.NormalizeLanguage(language)
	if tourID == "" || lang == "" {
		return false, errs.Validation("tourId and language are required")
	}
	if exists, err := r.store.Exists(ctx, store.TourKey(tourID)); err != nil {
		return false, err
	} else if !exists {
		return false, errs.NotFound("tour %s not found", tourID)
	}

	kind, repaired := classifyOffer(payload)
	if kind == offerInvalid {
		return false, errs.Validation("offer payload carries no session-description marker")
	}

	stored, err := r.store.CompareAndSwapOffer(ctx, store.OfferKey(tourID, lang),
		string(repaired), r.cfg.OfferTTL, kind == offerReal)
	if err != nil {
		return false, err
	}
	if !stored {
		r.log.Debug().Str("tour_id", tourID).Str("language", lang).
			Msg("placeholder rejected, real offer already stored")
	}
	return stored, nil
}

// GetOffer resolves a tour code or id, checks the language is supported, and
// returns the stored offer (placeholder or real; callers decide what a
// placeholder means to them). When attendeeID is given the attendee is
// registered idempotently, and the first time it is newly added to the
// tour-wide set an attendee_joined event is emitted.
func (r *Relay) GetOffer(ctx context.Context, identifier, language, attendeeID, attendeeName string) (*models.Offer, error) {
	lang := models.NormalizeLanguage(language)
	if lang == "" {
		return nil, errs.Validation("language is required")
	}
	tourID, err := r.tours.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	supported, err := r.store.SetIsMember(ctx, store.LanguagesKey(tourID), lang)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, errs.NotFound("tour %s does not offer language %q", tourID, lang)
	}

	var offer models.Offer
	found, err := r.store.GetJSON(ctx, store.OfferKey(tourID, lang), &offer)
	if err != nil {
		if errs.KindOf(err) == errs.KindParse {
			// Corrupt stored offer: degrade to "no usable data" here and
			// leave the classification to diagnostics.
			r.log.Error().Err(err).Str("tour_id", tourID).Str("language", lang).Msg("corrupt offer payload")
			return nil, errs.NotFound("no usable offer for tour %s language %q", tourID, lang)
		}
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("no offer for tour %s language %q", tourID, lang)
	}

	if attendeeID != "" {
		if err := r.registerAttendee(ctx, tourID, lang, attendeeID, attendeeName); err != nil {
			return nil, err
		}
	}
	return &offer, nil
}

func (r *Relay) registerAttendee(ctx context.Context, tourID, lang, attendeeID, name string) error {
	// Detail is written once and never overwritten on rejoin.
	detailKey := store.AttendeeKey(tourID, attendeeID)
	if exists, err := r.store.Exists(ctx, detailKey); err != nil {
		return err
	} else if !exists {
		detail := models.AttendeeDetail{Name: name, Language: lang, JoinTime: r.now().UTC()}
		if err := r.store.SetJSON(ctx, detailKey, detail, 0); err != nil {
			return err
		}
	}
	if _, err := r.store.SetAdd(ctx, store.LanguageAttendeesKey(tourID, lang), attendeeID); err != nil {
		return err
	}
	newlyJoined, err := r.store.SetAdd(ctx, store.AttendeesKey(tourID), attendeeID)
	if err != nil {
		return err
	}
	if newlyJoined {
		r.events.Emit(ctx, events.Event{
			Name:       events.AttendeeJoined,
			TourID:     tourID,
			AttendeeID: attendeeID,
			Language:   lang,
		})
	}
	return nil
}

// PutAnswer appends an attendee's answer to the (tour, language) sequence.
// Answers are never deduplicated; renegotiation legitimately produces more
// than one per attendee. The cached snapshot for the coordinate is
// invalidated so the next read observes the new answer.
func (r *Relay) PutAnswer(ctx context.Context, tourID, language, attendeeID, answer string) (int64, error) {
	lang := models.NormalizeLanguage(language)
	if tourID == "" || lang == "" || attendeeID == "" || answer == "" {
		return 0, errs.Validation("tourId, language, attendeeId and answer are required")
	}
	entry := models.Answer{Answer: answer, AttendeeID: attendeeID, Timestamp: r.now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, errs.Store(err, "marshal answer")
	}
	key := store.AnswersKey(tourID, lang)
	n, err := r.store.ListAppend(ctx, key, string(raw))
	if err != nil {
		return 0, err
	}
	r.answers.Remove(key)
	return n, nil
}

// GetAnswers returns the full current answer sequence for (tour, language).
// A short-lived read-through cache absorbs duplicate polling load; PutAnswer
// invalidates it.
func (r *Relay) GetAnswers(ctx context.Context, tourID, language string) ([]models.Answer, error) {
	lang := models.NormalizeLanguage(language)
	key := store.AnswersKey(tourID, lang)
	if cached, ok := r.answers.Get(key); ok {
		return cached, nil
	}
	raws, err := r.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	answers := make([]models.Answer, 0, len(raws))
	for i, raw := range raws {
		var a models.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			r.log.Error().Err(err).Str("key", key).Int("index", i).Msg("corrupt answer entry skipped")
			continue
		}
		answers = append(answers, a)
	}
	r.answers.Add(key, answers)
	return answers, nil
}

// PutIceCandidate appends a candidate to its (sender, tour, attendee,
// language) sequence unless the same underlying candidate string is already
// present, in which case it reports a successful duplicate no-op. The
// scan-then-append is best-effort under concurrent identical submissions;
// a rare double entry is harmless to the peer-connection layer.
func (r *Relay) PutIceCandidate(ctx context.Context, sender, tourID, attendeeID, language, candidate string) (*models.PutCandidateResponse, error) {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender != models.SenderGuide && sender != models.SenderAttendee {
		return nil, errs.Validation("sender must be %q or %q", models.SenderGuide, models.SenderAttendee)
	}
	lang := models.NormalizeLanguage(language)
	if tourID == "" || lang == "" || attendeeID == "" || candidate == "" {
		return nil, errs.Validation("tourId, language, attendeeId and candidate are required")
	}

	key := store.IceKey(sender, tourID, attendeeID, lang)
	existing, err := r.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	needle := candidateString(candidate)
	for _, raw := range existing {
		if candidateString(raw) == needle {
			r.metrics.Inc(metrics.DuplicateCandidates)
			return &models.PutCandidateResponse{Duplicate: true, Count: int64(len(existing))}, nil
		}
	}
	n, err := r.store.ListAppend(ctx, key, candidate)
	if err != nil {
		return nil, err
	}
	return &models.PutCandidateResponse{Duplicate: false, Count: n}, nil
}

// GetIceCandidates returns the candidate sequence for the coordinate. since
// is the number of entries the caller has already seen; only later entries
// are returned, supporting incremental polling.
func (r *Relay) GetIceCandidates(ctx context.Context, sender, tourID, attendeeID, language string, since int64) ([]string, error) {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender != models.SenderGuide && sender != models.SenderAttendee {
		return nil, errs.Validation("sender must be %q or %q", models.SenderGuide, models.SenderAttendee)
	}
	lang := models.NormalizeLanguage(language)
	if since < 0 {
		since = 0
	}
	return r.store.ListRange(ctx, store.IceKey(sender, tourID, attendeeID, lang), since, -1)
}

// candidateString extracts the underlying candidate line used for dedup. A
// payload may be the raw candidate line or a JSON object carrying it in its
// "candidate" field.
func candidateString(payload string) string {
	var obj struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal([]byte(payload), &obj); err == nil && obj.Candidate != "" {
		return obj.Candidate
	}
	return strings.TrimSpace(payload)
}
