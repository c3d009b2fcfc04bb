package service

import (
	"strings"

	"surveybot/internal/model"
)

// NextQuestion returns the first eligible active question strictly after current in (order, id)
// order. Questions that already have an answer are never revisited.
func NextQuestion(active []model.Question, current model.Question, answers []model.Answer) (*model.Question, bool) {
	for i := range active {
		q := active[i]
		if !model.Less(current, q) {
			continue
		}
		if eligible(q, answers) {
			return &q, true
		}
	}
	return nil, false
}

// FirstQuestion returns the first eligible active question
func FirstQuestion(active []model.Question, answers []model.Answer) (*model.Question, bool) {
	for i := range active {
		q := active[i]
		if eligible(q, answers) {
			return &q, true
		}
	}
	return nil, false
}

// resumePoint picks where a session pointing at a stale question continues: after the
// highest-ordered answered question that is still active, or from the start.
func resumePoint(active []model.Question, answers []model.Answer) (*model.Question, bool) {
	var anchor *model.Question
	for i := range active {
		if !hasAnswer(answers, active[i].ID) {
			continue
		}
		if anchor == nil || model.Less(*anchor, active[i]) {
			q := active[i]
			anchor = &q
		}
	}
	if anchor == nil {
		return FirstQuestion(active, answers)
	}
	return NextQuestion(active, *anchor, answers)
}

func eligible(q model.Question, answers []model.Answer) bool {
	if !q.Active || hasAnswer(answers, q.ID) {
		return false
	}
	for _, c := range q.BranchConditions {
		a, ok := findAnswer(answers, c.QuestionID)
		if !ok || !Evaluate(c, a.NormalizedAnswer) {
			return false
		}
	}
	return true
}

// Evaluate applies a condition operator to a normalized answer
func Evaluate(c model.Condition, answer string) bool {
	switch c.Operator {
	case model.OpEquals:
		return answer == c.Value
	case model.OpNotEquals:
		return answer != c.Value
	case model.OpContains:
		return strings.Contains(answer, c.Value)
	case model.OpStartsWith:
		return strings.HasPrefix(answer, c.Value)
	case model.OpEndsWith:
		return strings.HasSuffix(answer, c.Value)
	default:
		return false
	}
}

func findAnswer(answers []model.Answer, questionID string) (model.Answer, bool) {
	for _, a := range answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return model.Answer{}, false
}

func hasAnswer(answers []model.Answer, questionID string) bool {
	_, ok := findAnswer(answers, questionID)
	return ok
}
