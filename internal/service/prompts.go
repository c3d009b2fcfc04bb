package service

import (
	"fmt"
	"strings"

	"surveybot/internal/model"
)

// Texts holds every user-facing message the engine sends
type Texts struct {
	ChoicesHeader    string
	ImageHint        string
	ConfirmHint      string
	ChooseFrom       string
	SendImage        string
	RequiredAnswer   string
	Completed        string
	AlreadyCompleted string
	NoQuestions      string
	GenericError     string
	CheckFailed      string
	DefaultWelcome   string
	FollowUp         string
}

// DefaultTexts returns the built-in Hebrew texts
func DefaultTexts() Texts {
	return Texts{
		ChoicesHeader:    "אפשרויות תשובה:",
		ImageHint:        "(אנא שלח/י תמונה)",
		ConfirmHint:      "אנא השב/י כן או לא.",
		ChooseFrom:       "אנא בחר/י אחת מהאפשרויות הבאות:",
		SendImage:        "אנא שלח/י תמונה כדי להמשיך.",
		RequiredAnswer:   "זוהי שאלת חובה, אנא השב/י.",
		Completed:        "תודה שהשלמת את הסקר! התשובות שלך נשמרו בהצלחה.",
		AlreadyCompleted: "כבר השלמת את הסקר. תודה!",
		NoQuestions:      "מצטערים, אין כרגע סקר פעיל.",
		GenericError:     "אירעה שגיאה בעיבוד ההודעה. אנא נסה שוב מאוחר יותר.",
		CheckFailed:      "לא הצלחנו להשלים את הבדיקה. ניצור איתך קשר בהמשך.",
		DefaultWelcome:   "ברוכים הבאים לבוט השירות שלנו! 👋",
		FollowUp:         "תזכורת: עדיין לא סיימת את הסקר.",
	}
}

// Render formats a question as the text sent to the user
func (t Texts) Render(q model.Question) string {
	var b strings.Builder
	switch q.ResponseKind {
	case model.ResponseExternalCheck:
		if q.ExternalCheck != nil && q.ExternalCheck.ConfirmationPrompt != "" {
			b.WriteString(q.ExternalCheck.ConfirmationPrompt)
		} else {
			b.WriteString(q.Text)
		}
		b.WriteString("\n\n")
		b.WriteString(t.ConfirmHint)
	case model.ResponseSingleChoice:
		b.WriteString(q.Text)
		b.WriteString("\n\n")
		b.WriteString(t.ChoicesHeader)
		writeChoices(&b, q.Choices)
	case model.ResponseImage:
		b.WriteString(q.Text)
		b.WriteString("\n\n")
		b.WriteString(t.ImageHint)
	default:
		b.WriteString(q.Text)
	}
	return b.String()
}

// correction builds the single message sent when an answer is rejected
func (t Texts) correction(q model.Question, reason string) string {
	switch q.ResponseKind {
	case model.ResponseSingleChoice:
		var b strings.Builder
		b.WriteString(t.ChooseFrom)
		writeChoices(&b, q.Choices)
		return b.String()
	case model.ResponseExternalCheck:
		return t.Render(q)
	default:
		return reason + "\n\n" + t.Render(q)
	}
}

func writeChoices(b *strings.Builder, choices []string) {
	for i, c := range choices {
		fmt.Fprintf(b, "\n%d. %s", i+1, c)
	}
}
