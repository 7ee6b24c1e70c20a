// Package tours implements tour lifecycle: creation, join codes, the guide's
// single active tour, language membership, and the TTL-bound guide broadcast
// status.
package tours

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/errs"
	"github.com/tourlingo/signaling/internal/events"
	"github.com/tourlingo/signaling/internal/models"
	"github.com/tourlingo/signaling/internal/store"
)

const (
	codeLength = 6
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous chars
)

// Config tunes the lifecycle manager's TTLs.
type Config struct {
	OfferTTL  time.Duration
	StatusTTL time.Duration
}

// Manager coordinates tour lifecycle against the shared store.
type Manager struct {
	store  *store.Store
	events *events.Emitter
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

func NewManager(s *store.Store, em *events.Emitter, cfg Config, log zerolog.Logger) *Manager {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 2 * time.Hour
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 90 * time.Minute
	}
	return &Manager{
		store:  s,
		events: em,
		cfg:    cfg,
		log:    log.With().Str("component", "tours").Logger(),
		now:    time.Now,
	}
}

// Start creates a tour for the guide: persists the tour record, the language
// set, the primary-language pointer, a placeholder offer per language, the
// code mapping, and the guide's active-tour pointer. Any write failure is
// surfaced so callers can detect a half-initialized tour.
func (m *Manager) Start(ctx context.Context, guideID string, languages []string, primaryLanguage string) (*models.Tour, error) {
	if guideID == "" {
		return nil, errs.Validation("guideId is required")
	}
	langs := models.NormalizeLanguages(languages)
	if len(langs) == 0 {
		return nil, errs.Validation("at least one language is required")
	}
	primary := models.NormalizeLanguage(primaryLanguage)
	if !contains(langs, primary) {
		return nil, errs.Validation("primary language %q is not in the tour's language set", primaryLanguage)
	}

	// Refuse a second concurrent tour rather than silently orphaning the
	// first one in active status.
	if cur, found, err := m.store.GetString(ctx, store.GuideActiveKey(guideID)); err != nil {
		return nil, err
	} else if found {
		return nil, errs.Validation("guide already has active tour %s; end it first", cur)
	}

	now := m.now().UTC()
	tour := &models.Tour{
		ID:              newTourID(now),
		Code:            generateTourCode(),
		GuideID:         guideID,
		Status:          models.TourStatusActive,
		StartTime:       now,
		PrimaryLanguage: primary,
		Languages:       langs,
	}

	if err := m.store.SetJSON(ctx, store.TourKey(tour.ID), tour, 0); err != nil {
		return nil, err
	}
	for _, lang := range langs {
		if _, err := m.store.SetAdd(ctx, store.LanguagesKey(tour.ID), lang); err != nil {
			return nil, err
		}
		if err := m.writePlaceholderOffer(ctx, tour.ID, lang); err != nil {
			return nil, err
		}
	}
	if err := m.store.SetString(ctx, store.PrimaryLanguageKey(tour.ID), primary, 0); err != nil {
		return nil, err
	}
	if err := m.store.SetString(ctx, store.CodeKey(tour.Code), tour.ID, 0); err != nil {
		return nil, err
	}
	if err := m.store.SetString(ctx, store.GuideActiveKey(guideID), tour.ID, 0); err != nil {
		return nil, err
	}

	m.log.Info().Str("tour_id", tour.ID).Str("code", tour.Code).Str("guide_id", guideID).
		Strs("languages", langs).Msg("tour started")
	return tour, nil
}

// End flips the guide's active tour to ended and clears the active-tour
// pointer. The status flip and the pointer clear are one logical unit.
func (m *Manager) End(ctx context.Context, guideID string) (string, error) {
	tourID, found, err := m.store.GetString(ctx, store.GuideActiveKey(guideID))
	if err != nil {
		return "", err
	}
	if !found {
		return "", errs.NotFound("guide %s has no active tour", guideID)
	}

	var tour models.Tour
	found, err = m.store.GetJSON(ctx, store.TourKey(tourID), &tour)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errs.NotFound("active tour %s has no record", tourID)
	}

	end := m.now().UTC()
	tour.Status = models.TourStatusEnded
	tour.EndTime = &end
	if err := m.store.SetJSON(ctx, store.TourKey(tourID), &tour, 0); err != nil {
		return "", err
	}
	if err := m.store.Delete(ctx, store.GuideActiveKey(guideID)); err != nil {
		return "", err
	}

	m.log.Info().Str("tour_id", tourID).Str("guide_id", guideID).Msg("tour ended")
	return tourID, nil
}

// Resolve maps a tour code or id to the tour id. Short values of code length
// go through the code mapping, anything else is treated as an id.
func (m *Manager) Resolve(ctx context.Context, identifier string) (string, error) {
	if identifier == "" {
		return "", errs.Validation("tour identifier is required")
	}
	if len(identifier) == codeLength {
		id, found, err := m.store.GetString(ctx, store.CodeKey(identifier))
		if err != nil {
			return "", err
		}
		if !found {
			return "", errs.NotFound("tour code %s not found", identifier)
		}
		return id, nil
	}
	return identifier, nil
}

// Get fetches the tour record by code or id.
func (m *Manager) Get(ctx context.Context, identifier string) (*models.Tour, error) {
	tourID, err := m.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	var tour models.Tour
	found, err := m.store.GetJSON(ctx, store.TourKey(tourID), &tour)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("tour %s not found", tourID)
	}
	return &tour, nil
}

// Languages returns the tour's supported-language set.
func (m *Manager) Languages(ctx context.Context, tourID string) ([]string, error) {
	return m.store.SetMembers(ctx, store.LanguagesKey(tourID))
}

// AddLanguage extends an active tour with a language, pre-populating its
// placeholder offer, and emits language_added.
func (m *Manager) AddLanguage(ctx context.Context, tourID, language string) error {
	lang := models.NormalizeLanguage(language)
	if lang == "" {
		return errs.Validation("language is required")
	}
	if exists, err := m.store.Exists(ctx, store.TourKey(tourID)); err != nil {
		return err
	} else if !exists {
		return errs.NotFound("tour %s not found", tourID)
	}
	added, err := m.store.SetAdd(ctx, store.LanguagesKey(tourID), lang)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	if err := m.writePlaceholderOffer(ctx, tourID, lang); err != nil {
		return err
	}
	m.events.Emit(ctx, events.Event{Name: events.LanguageAdded, TourID: tourID, Language: lang})
	return nil
}

// RemoveLanguage drops a language from the tour and deletes its offer. The
// primary language cannot be removed.
func (m *Manager) RemoveLanguage(ctx context.Context, tourID, language string) error {
	lang := models.NormalizeLanguage(language)
	primary, _, err := m.store.GetString(ctx, store.PrimaryLanguageKey(tourID))
	if err != nil {
		return err
	}
	if lang == primary {
		return errs.Validation("cannot remove the primary language %q", lang)
	}
	if err := m.store.Delete(ctx, store.OfferKey(tourID, lang)); err != nil {
		return err
	}
	if err := m.store.SetRemove(ctx, store.LanguagesKey(tourID), lang); err != nil {
		return err
	}
	m.events.Emit(ctx, events.Event{Name: events.LanguageRemoved, TourID: tourID, Language: lang})
	return nil
}

// SetGuideStatus writes the TTL-bound broadcast status, tour-wide and, when a
// language is given, redundantly per language.
func (m *Manager) SetGuideStatus(ctx context.Context, tourID, status, language string) error {
	switch status {
	case models.BroadcastStatusBroadcasting, models.BroadcastStatusStopped,
		models.BroadcastStatusPaused, models.BroadcastStatusError:
	default:
		return errs.Validation("unknown broadcast status %q", status)
	}
	if exists, err := m.store.Exists(ctx, store.TourKey(tourID)); err != nil {
		return err
	} else if !exists {
		return errs.NotFound("tour %s not found", tourID)
	}

	lang := models.NormalizeLanguage(language)
	st := models.GuideStatus{Status: status, Language: lang, Timestamp: m.now().UTC()}
	if err := m.store.SetJSON(ctx, store.StatusKey(tourID), st, m.cfg.StatusTTL); err != nil {
		return err
	}
	if lang != "" {
		if err := m.store.SetJSON(ctx, store.LanguageStatusKey(tourID, lang), st, m.cfg.StatusTTL); err != nil {
			return err
		}
	}
	return nil
}

// GuideStatus reads the broadcast status, preferring the per-language entry.
func (m *Manager) GuideStatus(ctx context.Context, tourID, language string) (*models.GuideStatus, error) {
	lang := models.NormalizeLanguage(language)
	var st models.GuideStatus
	if lang != "" {
		found, err := m.store.GetJSON(ctx, store.LanguageStatusKey(tourID, lang), &st)
		if err != nil {
			return nil, err
		}
		if found {
			return &st, nil
		}
	}
	found, err := m.store.GetJSON(ctx, store.StatusKey(tourID), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("no broadcast status for tour %s", tourID)
	}
	return &st, nil
}

func (m *Manager) writePlaceholderOffer(ctx context.Context, tourID, lang string) error {
	offer := models.Offer{
		Status:    models.OfferStatusPending,
		Language:  lang,
		CreatedAt: m.now().UnixMilli(),
	}
	return m.store.SetJSON(ctx, store.OfferKey(tourID, lang), offer, m.cfg.OfferTTL)
}

// newTourID is time-derived and collision-resistant: millisecond timestamp in
// base36 plus a random UUID fragment.
func newTourID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + uuid.NewString()[:8]
}

func generateTourCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
