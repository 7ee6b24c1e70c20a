// Package diagnostics inspects relay state for one (tour, language) and
// applies a bounded set of idempotent repairs. Inspection is pure read plus
// classification; repair requires guide-level authorization at the transport
// layer.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/errs"
	"github.com/tourlingo/signaling/internal/models"
	"github.com/tourlingo/signaling/internal/store"
)

// Config tunes the repair thresholds.
type Config struct {
	// An ICE sequence longer than TrimThreshold signals runaway candidate
	// generation and is trimmed to its most recent TrimKeep entries.
	TrimThreshold int64
	TrimKeep      int64
	StatusTTL     time.Duration
}

// Report is the read-path output.
type Report struct {
	TourID             string   `json:"tourId"`
	Language           string   `json:"language"`
	OfferPresent       bool     `json:"offerPresent"`
	OfferPlaceholder   bool     `json:"offerPlaceholder"`
	AnswerCount        int64    `json:"answerCount"`
	AttendeeCount      int64    `json:"attendeeCount"`
	GuideStatus        string   `json:"guideStatus,omitempty"`
	GuideCandidates    int64    `json:"guideCandidates"`
	AttendeeCandidates int64    `json:"attendeeCandidates"`
	Issues             []string `json:"issues"`
}

// RepairResult lists the actions applied. An empty list means there was
// nothing to repair, which is success, not failure.
type RepairResult struct {
	Actions []string `json:"actions"`
}

// Engine reads and repairs relay state.
type Engine struct {
	store *store.Store
	cfg   Config
	log   zerolog.Logger
}

func NewEngine(s *store.Store, cfg Config, log zerolog.Logger) *Engine {
	if cfg.TrimThreshold <= 0 {
		cfg.TrimThreshold = 20
	}
	if cfg.TrimKeep <= 0 {
		cfg.TrimKeep = 10
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 90 * time.Minute
	}
	return &Engine{store: s, cfg: cfg, log: log.With().Str("component", "diagnostics").Logger()}
}

// Inspect gathers existence and counts for the offer, the answer sequence,
// the guide status, and both ICE sequences, and derives a human-readable
// issue list. attendeeID narrows the candidate counts to one attendee;
// otherwise they aggregate over the language's attendee set.
func (e *Engine) Inspect(ctx context.Context, tourID, language, attendeeID string) (*Report, error) {
	lang := models.NormalizeLanguage(language)
	if tourID == "" || lang == "" {
		return nil, errs.Validation("tourId and language are required")
	}

	report := &Report{TourID: tourID, Language: lang, Issues: []string{}}

	var offer models.Offer
	found, err := e.store.GetJSON(ctx, store.OfferKey(tourID, lang), &offer)
	if err != nil && errs.KindOf(err) != errs.KindParse {
		return nil, err
	}
	if err != nil {
		report.Issues = append(report.Issues, "stored offer payload is corrupt and unusable")
	} else {
		report.OfferPresent = found
		report.OfferPlaceholder = found && offer.IsPlaceholder()
	}

	report.AnswerCount, err = e.store.ListLen(ctx, store.AnswersKey(tourID, lang))
	if err != nil {
		return nil, err
	}
	report.AttendeeCount, err = e.store.SetCard(ctx, store.LanguageAttendeesKey(tourID, lang))
	if err != nil {
		return nil, err
	}

	var status models.GuideStatus
	for _, key := range []string{store.LanguageStatusKey(tourID, lang), store.StatusKey(tourID)} {
		found, err := e.store.GetJSON(ctx, key, &status)
		if err != nil {
			e.log.Error().Err(err).Str("key", key).Msg("guide status unreadable")
			report.Issues = append(report.Issues, "guide status unreadable")
			break
		}
		if found {
			report.GuideStatus = status.Status
			break
		}
	}

	attendees, err := e.attendees(ctx, tourID, lang, attendeeID)
	if err != nil {
		return nil, err
	}
	for _, id := range attendees {
		g, err := e.store.ListLen(ctx, store.IceKey(models.SenderGuide, tourID, id, lang))
		if err != nil {
			return nil, err
		}
		a, err := e.store.ListLen(ctx, store.IceKey(models.SenderAttendee, tourID, id, lang))
		if err != nil {
			return nil, err
		}
		report.GuideCandidates += g
		report.AttendeeCandidates += a
	}

	e.classify(report)
	return report, nil
}

func (e *Engine) classify(r *Report) {
	if !r.OfferPresent {
		r.Issues = append(r.Issues, "no offer stored: guide is not broadcasting this language")
	} else if r.OfferPlaceholder {
		r.Issues = append(r.Issues, "offer is still a placeholder: guide has not published a real session description")
	}
	if r.AnswerCount == 0 {
		r.Issues = append(r.Issues, "no answers recorded: no attendees have joined this language")
	}
	if r.AnswerCount > 0 && r.GuideCandidates == 0 {
		r.Issues = append(r.Issues, "answers present but zero guide candidates: WebRTC negotiation is not progressing")
	}
	if r.OfferPresent && !r.OfferPlaceholder && r.GuideStatus != models.BroadcastStatusBroadcasting {
		r.Issues = append(r.Issues, "real offer stored but guide status is not broadcasting")
	}
}

// Repair applies the idempotent repair set. Repairing twice produces the same
// end state as repairing once, and nothing-to-repair returns an empty result.
func (e *Engine) Repair(ctx context.Context, tourID, language, attendeeID string) (*RepairResult, error) {
	lang := models.NormalizeLanguage(language)
	if tourID == "" || lang == "" {
		return nil, errs.Validation("tourId and language are required")
	}
	result := &RepairResult{Actions: []string{}}

	attendees, err := e.attendees(ctx, tourID, lang, attendeeID)
	if err != nil {
		return nil, err
	}

	// Trim ballooned ICE sequences to their most recent entries.
	for _, id := range attendees {
		for _, sender := range []string{models.SenderGuide, models.SenderAttendee} {
			key := store.IceKey(sender, tourID, id, lang)
			n, err := e.store.ListLen(ctx, key)
			if err != nil {
				return nil, err
			}
			if n > e.cfg.TrimThreshold {
				if err := e.store.ListTrimLast(ctx, key, e.cfg.TrimKeep); err != nil {
					return nil, err
				}
				result.Actions = append(result.Actions,
					fmt.Sprintf("trimmed %s ICE sequence for attendee %s from %d to %d", sender, id, n, e.cfg.TrimKeep))
			}
		}
	}

	answered, guideCandidates, err := e.answerState(ctx, tourID, lang, attendees)
	if err != nil {
		return nil, err
	}

	// Stale-answer cleanup: answers with no matching guide candidates mean
	// the guide side never progressed; the answers are dead weight.
	answersKey := store.AnswersKey(tourID, lang)
	answerCount, err := e.store.ListLen(ctx, answersKey)
	if err != nil {
		return nil, err
	}
	if answerCount > 0 && guideCandidates == 0 {
		if err := e.store.Delete(ctx, answersKey); err != nil {
			return nil, err
		}
		result.Actions = append(result.Actions,
			fmt.Sprintf("deleted %d stale answers with no matching guide candidates", answerCount))
	}

	// Orphaned attendee ICE: candidates with no answer from that attendee.
	for _, id := range attendees {
		if answered[id] {
			continue
		}
		key := store.IceKey(models.SenderAttendee, tourID, id, lang)
		n, err := e.store.ListLen(ctx, key)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if err := e.store.Delete(ctx, key); err != nil {
				return nil, err
			}
			result.Actions = append(result.Actions,
				fmt.Sprintf("deleted orphaned ICE sequence (%d candidates) for attendee %s with no answer", n, id))
		}
	}

	// Force guide status to broadcasting when a real offer exists but the
	// status is absent or wrong.
	var offer models.Offer
	if found, err := e.store.GetJSON(ctx, store.OfferKey(tourID, lang), &offer); err == nil && found && !offer.IsPlaceholder() {
		var status models.GuideStatus
		found, serr := e.store.GetJSON(ctx, store.LanguageStatusKey(tourID, lang), &status)
		if serr != nil && errs.KindOf(serr) != errs.KindParse {
			return nil, serr
		}
		if !found || status.Status != models.BroadcastStatusBroadcasting {
			fixed := models.GuideStatus{
				Status:    models.BroadcastStatusBroadcasting,
				Language:  lang,
				Timestamp: time.Now().UTC(),
			}
			if err := e.store.SetJSON(ctx, store.LanguageStatusKey(tourID, lang), fixed, e.cfg.StatusTTL); err != nil {
				return nil, err
			}
			if err := e.store.SetJSON(ctx, store.StatusKey(tourID), fixed, e.cfg.StatusTTL); err != nil {
				return nil, err
			}
			result.Actions = append(result.Actions, "forced guide status to broadcasting to match the stored real offer")
		}
	}

	if len(result.Actions) > 0 {
		e.log.Info().Str("tour_id", tourID).Str("language", lang).
			Strs("actions", result.Actions).Msg("repairs applied")
	}
	return result, nil
}

// attendees returns the attendee ids to inspect: the single given id, or the
// language's registered set.
func (e *Engine) attendees(ctx context.Context, tourID, lang, attendeeID string) ([]string, error) {
	if attendeeID != "" {
		return []string{attendeeID}, nil
	}
	return e.store.SetMembers(ctx, store.LanguageAttendeesKey(tourID, lang))
}

// answerState reports which attendees have answered and the total guide
// candidate count across the given attendees. Corrupt answer entries are
// skipped, not fatal.
func (e *Engine) answerState(ctx context.Context, tourID, lang string, attendees []string) (map[string]bool, int64, error) {
	answered := make(map[string]bool)
	raws, err := e.store.ListRange(ctx, store.AnswersKey(tourID, lang), 0, -1)
	if err != nil {
		return nil, 0, err
	}
	for i, raw := range raws {
		var a models.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			e.log.Error().Err(err).Str("key", store.AnswersKey(tourID, lang)).Int("index", i).
				Msg("corrupt answer entry skipped")
			continue
		}
		answered[a.AttendeeID] = true
	}

	var guideCandidates int64
	for _, id := range attendees {
		n, err := e.store.ListLen(ctx, store.IceKey(models.SenderGuide, tourID, id, lang))
		if err != nil {
			return nil, 0, err
		}
		guideCandidates += n
	}
	return answered, guideCandidates, nil
}
