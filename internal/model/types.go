package model

import (
	"fmt"
	"strings"
	"time"
)

// ResponseKind represents the kind of answer a question accepts
type ResponseKind string

const (
	ResponseFreeText      ResponseKind = "free_text"
	ResponseSingleChoice  ResponseKind = "single_choice"
	ResponseImage         ResponseKind = "image"
	ResponseExternalCheck ResponseKind = "external_check"
)

// Operator represents a branch condition comparison
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
)

// Operators lists every supported condition operator
var Operators = []Operator{OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith}

// MappingSource represents where an external check field value comes from
type MappingSource string

const (
	SourceQuestionAnswer MappingSource = "question"
	SourceStaticValue    MappingSource = "static"
	SourcePhoneNumber    MappingSource = "phone"
)

// CallStatus represents external check call status
type CallStatus string

const (
	CallPending CallStatus = "PENDING"
	CallSuccess CallStatus = "SUCCESS"
	CallFailed  CallStatus = "FAILED"
)

// Direction represents ledger entry direction
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// BotState represents the transport connection state
type BotState string

const (
	BotStopped      BotState = "stopped"
	BotStarting     BotState = "starting"
	BotWaitingScan  BotState = "waiting_scan"
	BotReady        BotState = "ready"
	BotDisconnected BotState = "disconnected"
)

// DeclinedAnswer is recorded when a user declines an external check
const DeclinedAnswer = "declined"

// ConfirmedAnswer is recorded when a user confirms an external check
const ConfirmedAnswer = "confirmed"

// Condition gates a question on a previous answer
type Condition struct {
	QuestionID string   `json:"questionId"`
	Operator   Operator `json:"operator"`
	Value      string   `json:"value"`
}

// FieldMapping maps one output key of an external check payload
type FieldMapping struct {
	OutputKey   string        `json:"outputKey"`
	Source      MappingSource `json:"source"`
	SourceValue string        `json:"sourceValue"`
}

// ExternalCheckSpec configures an external check question
type ExternalCheckSpec struct {
	EndpointID         string         `json:"endpointId"`
	ConfirmationPrompt string         `json:"confirmationPrompt"`
	ProcessingMessage  string         `json:"processingMessage"`
	DeclineMessage     string         `json:"declineMessage"`
	FieldMappings      []FieldMapping `json:"fieldMappings"`
}

// Question is a questionnaire definition
type Question struct {
	ID               string             `json:"id"`
	Text             string             `json:"text"`
	Order            int                `json:"order"`
	Active           bool               `json:"active"`
	IsRequired       bool               `json:"isRequired"`
	ResponseKind     ResponseKind       `json:"responseKind"`
	Choices          []string           `json:"choices,omitempty"`
	BranchConditions []Condition        `json:"branchConditions,omitempty"`
	ExternalCheck    *ExternalCheckSpec `json:"externalCheck,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// Validate checks the structural invariants of a question definition
func (q Question) Validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return fmt.Errorf("question id is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("question text is required")
	}
	switch q.ResponseKind {
	case ResponseFreeText, ResponseImage:
	case ResponseSingleChoice:
		if len(q.Choices) == 0 {
			return fmt.Errorf("single choice question requires choices")
		}
		for _, c := range q.Choices {
			if strings.TrimSpace(c) == "" {
				return fmt.Errorf("choices must be non-empty")
			}
		}
	case ResponseExternalCheck:
		if q.ExternalCheck == nil {
			return fmt.Errorf("external check question requires externalCheck")
		}
		if q.ExternalCheck.EndpointID == "" {
			return fmt.Errorf("external check endpoint is required")
		}
		if len(q.ExternalCheck.FieldMappings) == 0 {
			return fmt.Errorf("at least one field mapping is required")
		}
		for _, m := range q.ExternalCheck.FieldMappings {
			if strings.TrimSpace(m.OutputKey) == "" {
				return fmt.Errorf("field mapping output key is required")
			}
			switch m.Source {
			case SourceQuestionAnswer, SourceStaticValue:
				if strings.TrimSpace(m.SourceValue) == "" {
					return fmt.Errorf("field mapping %s requires a source value", m.OutputKey)
				}
			case SourcePhoneNumber:
			default:
				return fmt.Errorf("invalid field mapping source: %s", m.Source)
			}
		}
	default:
		return fmt.Errorf("invalid response kind: %s", q.ResponseKind)
	}
	if q.ResponseKind != ResponseSingleChoice && len(q.Choices) > 0 {
		return fmt.Errorf("choices are only allowed on single choice questions")
	}
	if q.ResponseKind != ResponseExternalCheck && q.ExternalCheck != nil {
		return fmt.Errorf("externalCheck is only allowed on external check questions")
	}
	for _, c := range q.BranchConditions {
		if c.QuestionID == "" {
			return fmt.Errorf("condition question id is required")
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("invalid condition operator: %s", c.Operator)
		}
	}
	return nil
}

// Valid reports whether op is a known operator
func (op Operator) Valid() bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// Less orders questions by (order, id)
func Less(a, b Question) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}

// Answer is one accepted answer inside a session
type Answer struct {
	QuestionID       string    `json:"questionId"`
	RawAnswer        string    `json:"rawAnswer"`
	NormalizedAnswer string    `json:"normalizedAnswer"`
	MediaRef         string    `json:"mediaRef,omitempty"`
	AnsweredAt       time.Time `json:"answeredAt"`
}

// Session is the per-user survey state
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	CurrentQuestionID string     `json:"currentQuestionId,omitempty"`
	Answers           []Answer   `json:"answers"`
	IsCompleted       bool       `json:"isCompleted"`
	FollowUps         int        `json:"followUps"`
	StartedAt         time.Time  `json:"startedAt"`
	LastActivityAt    time.Time  `json:"lastActivityAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Answers = append([]Answer(nil), s.Answers...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AnswerFor returns the answer recorded for a question
func (s *Session) AnswerFor(questionID string) (Answer, bool) {
	for _, a := range s.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

// ExternalCheckCall is a side-effecting HTTP call made for a user
type ExternalCheckCall struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"userId"`
	SessionID       string                 `json:"sessionId"`
	QuestionID      string                 `json:"questionId"`
	EndpointID      string                 `json:"endpointId"`
	RequestPayload  map[string]interface{} `json:"requestPayload"`
	ResponsePayload map[string]interface{} `json:"responsePayload,omitempty"`
	Status          CallStatus             `json:"status"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	Attempts        int                    `json:"attempts"`
	CreatedAt       time.Time              `json:"createdAt"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// Endpoint is a configured external API target
type Endpoint struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LedgerEntry is one message in a user's conversation history
type LedgerEntry struct {
	UserID    string    `json:"userId"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	MediaRef  string    `json:"mediaRef,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WelcomeCondition restricts when a welcome message applies
type WelcomeCondition struct {
	Field    string `json:"field"`    // "time" or "day"
	Operator string `json:"operator"` // "equals", "between", "greater_than", "less_than"
	Value    string `json:"value"`
	Value2   string `json:"value2,omitempty"`
}

// WelcomeMessage is greeting text sent before a user's first session
type WelcomeMessage struct {
	ID         string             `json:"id"`
	Text       string             `json:"text"`
	Active     bool               `json:"active"`
	Conditions []WelcomeCondition `json:"conditions,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// BotStatus is the process-wide transport status
type BotStatus struct {
	State     BotState  `json:"state"`
	QRCode    string    `json:"qrCode,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Active reports whether the bot can exchange messages
func (s BotStatus) Active() bool {
	return s.State == BotReady
}
