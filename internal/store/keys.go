package store

import "fmt"

// Key builders for the shared Redis namespace. Languages must already be
// normalized before a key is built; every dimension is colon-separated and
// none of the id alphabets contain a colon, so keys cannot collide across
// purposes.

func TourKey(tourID string) string { return "tour:" + tourID }

func CodeKey(code string) string { return "tour:code:" + code }

func GuideActiveKey(guideID string) string { return "guide:" + guideID + ":active" }

func LanguagesKey(tourID string) string { return "tour:" + tourID + ":languages" }

func PrimaryLanguageKey(tourID string) string { return "tour:" + tourID + ":primary" }

func OfferKey(tourID, language string) string {
	return fmt.Sprintf("offer:%s:%s", tourID, language)
}

func AnswersKey(tourID, language string) string {
	return fmt.Sprintf("answers:%s:%s", tourID, language)
}

func IceKey(sender, tourID, attendeeID, language string) string {
	return fmt.Sprintf("ice:%s:%s:%s:%s", sender, tourID, attendeeID, language)
}

func AttendeeKey(tourID, attendeeID string) string {
	return fmt.Sprintf("attendee:%s:%s", tourID, attendeeID)
}

func AttendeesKey(tourID string) string { return "tour:" + tourID + ":attendees" }

func LanguageAttendeesKey(tourID, language string) string {
	return fmt.Sprintf("tour:%s:attendees:%s", tourID, language)
}

func StatusKey(tourID string) string { return "status:" + tourID }

func LanguageStatusKey(tourID, language string) string {
	return fmt.Sprintf("status:%s:%s", tourID, language)
}

func EventsChannel(tourID string) string { return "tour:" + tourID + ":events" }
