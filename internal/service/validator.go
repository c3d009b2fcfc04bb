package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"surveybot/internal/channel"
	"surveybot/internal/model"
	"surveybot/internal/storage"

	"go.uber.org/zap"
)

// Confirmation classifies a reply to an external check prompt
type Confirmation int

const (
	ConfirmUnknown Confirmation = iota
	ConfirmAffirmative
	ConfirmNegative
)

var (
	affirmativeWords = map[string]bool{"yes": true, "y": true, "כן": true}
	negativeWords    = map[string]bool{"no": true, "n": true, "לא": true}
)

// ClassifyConfirmation maps free text to affirmative, negative or unknown
func ClassifyConfirmation(text string) Confirmation {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case affirmativeWords[t]:
		return ConfirmAffirmative
	case negativeWords[t]:
		return ConfirmNegative
	default:
		return ConfirmUnknown
	}
}

// MediaFetcher downloads the media attached to the inbound message
type MediaFetcher func(ctx context.Context) (*channel.Media, error)

// Input is one raw user reply
type Input struct {
	MessageID string
	Text      string
	HasMedia  bool
	Media     MediaFetcher
}

// Verdict is the outcome of validating an input against a question
type Verdict struct {
	Accepted     bool
	Normalized   string
	MediaRef     string
	Correction   string
	Confirmation Confirmation
}

// Validator checks and normalizes answers
type Validator struct {
	media  storage.Storage
	policy *storage.FilePolicy
	texts  Texts
	log    *zap.Logger
	now    func() time.Time
}

func NewValidator(media storage.Storage, policy *storage.FilePolicy, texts Texts, log *zap.Logger) *Validator {
	return &Validator{media: media, policy: policy, texts: texts, log: log, now: time.Now}
}

// Validate checks input against the question's response kind.
// A rejected answer is reported through the verdict; the error is reserved
// for infrastructure failures such as media storage being unavailable.
func (v *Validator) Validate(ctx context.Context, q model.Question, userID string, in Input) (Verdict, error) {
	switch q.ResponseKind {
	case model.ResponseSingleChoice:
		if choice, ok := MatchChoice(q.Choices, in.Text); ok {
			return Verdict{Accepted: true, Normalized: choice}, nil
		}
		return v.reject(q, ""), nil
	case model.ResponseImage:
		return v.validateImage(ctx, q, userID, in)
	case model.ResponseExternalCheck:
		switch c := ClassifyConfirmation(in.Text); c {
		case ConfirmAffirmative:
			return Verdict{Accepted: true, Normalized: model.ConfirmedAnswer, Confirmation: c}, nil
		case ConfirmNegative:
			return Verdict{Accepted: true, Normalized: model.DeclinedAnswer, Confirmation: c}, nil
		}
		return v.reject(q, ""), nil
	default:
		text := strings.TrimSpace(in.Text)
		if text == "" && q.IsRequired {
			return v.reject(q, v.texts.RequiredAnswer), nil
		}
		return Verdict{Accepted: true, Normalized: text}, nil
	}
}

func (v *Validator) validateImage(ctx context.Context, q model.Question, userID string, in Input) (Verdict, error) {
	if !in.HasMedia || in.Media == nil {
		return v.reject(q, v.texts.SendImage), nil
	}
	media, err := in.Media(ctx)
	if err != nil || media == nil || len(media.Data) == 0 {
		v.log.Warn("Failed to download media",
			zap.String("userId", userID),
			zap.String("messageId", in.MessageID),
			zap.Error(err),
		)
		return v.reject(q, v.texts.SendImage), nil
	}
	if err := v.policy.ValidateMedia(media.MimeType, int64(len(media.Data))); err != nil {
		return v.reject(q, v.texts.SendImage), nil
	}

	name := storage.MediaObjectName(userID, media.MimeType, v.now())
	ref, err := v.media.Put(ctx, name, media.MimeType, media.Data)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to store media %s: %w", name, err)
	}
	return Verdict{Accepted: true, Normalized: ref, MediaRef: ref}, nil
}

func (v *Validator) reject(q model.Question, reason string) Verdict {
	return Verdict{Correction: v.texts.correction(q, reason)}
}

// MatchChoice resolves input to a canonical choice by case-insensitive text or 1-based index
func MatchChoice(choices []string, input string) (string, bool) {
	in := strings.TrimSpace(input)
	if in == "" {
		return "", false
	}
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), in) {
			return c, true
		}
	}
	if n, err := strconv.Atoi(in); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1], true
	}
	return "", false
}
