package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"surveybot/internal/model"

	"github.com/expr-lang/expr"
	"go.uber.org/zap"
)

// WelcomeSelector picks the greeting sent before a user's first session
type WelcomeSelector struct {
	store WelcomeStore
	texts Texts
	log   *zap.Logger
	now   func() time.Time
}

func NewWelcomeSelector(store WelcomeStore, texts Texts, log *zap.Logger) *WelcomeSelector {
	return &WelcomeSelector{store: store, texts: texts, log: log, now: time.Now}
}

// Select returns the first active welcome message whose conditions hold, or the default text
func (w *WelcomeSelector) Select(ctx context.Context) string {
	messages, err := w.store.ListActiveWelcomeMessages(ctx)
	if err != nil {
		w.log.Warn("Failed to load welcome messages", zap.Error(err))
		return w.texts.DefaultWelcome
	}

	now := w.now()
	env := map[string]interface{}{
		"hour":   now.Hour(),
		"minute": now.Hour()*60 + now.Minute(),
		"day":    int(now.Weekday()),
	}
	for _, m := range messages {
		if !m.Active || strings.TrimSpace(m.Text) == "" {
			continue
		}
		ok, err := matchWelcome(m.Conditions, env)
		if err != nil {
			w.log.Warn("Invalid welcome message conditions",
				zap.String("welcomeId", m.ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			return m.Text
		}
	}
	return w.texts.DefaultWelcome
}

func matchWelcome(conds []model.WelcomeCondition, env map[string]interface{}) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	expression, err := WelcomeExpression(conds)
	if err != nil {
		return false, err
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("failed to compile %q: %w", expression, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q: %w", expression, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not return a boolean", expression)
	}
	return result, nil
}

// WelcomeExpression compiles welcome conditions into one boolean expression.
// Time values are "HH:MM" or an hour; day values are 0 (Sunday) through 6.
func WelcomeExpression(conds []model.WelcomeCondition) (string, error) {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		var field string
		var parse func(string) (int, error)
		switch c.Field {
		case "time":
			field, parse = "minute", parseClock
		case "day":
			field, parse = "day", parseDay
		default:
			return "", fmt.Errorf("unknown welcome field: %s", c.Field)
		}

		v, err := parse(c.Value)
		if err != nil {
			return "", err
		}
		switch c.Operator {
		case "equals":
			if c.Field == "time" {
				parts = append(parts, fmt.Sprintf("(%s >= %d && %s < %d)", field, v, field, v+60))
			} else {
				parts = append(parts, fmt.Sprintf("%s == %d", field, v))
			}
		case "greater_than":
			parts = append(parts, fmt.Sprintf("%s > %d", field, v))
		case "less_than":
			parts = append(parts, fmt.Sprintf("%s < %d", field, v))
		case "between":
			v2, err := parse(c.Value2)
			if err != nil {
				return "", err
			}
			if v2 < v {
				parts = append(parts, fmt.Sprintf("(%s >= %d || %s <= %d)", field, v, field, v2))
			} else {
				parts = append(parts, fmt.Sprintf("(%s >= %d && %s <= %d)", field, v, field, v2))
			}
		default:
			return "", fmt.Errorf("unknown welcome operator: %s", c.Operator)
		}
	}
	return strings.Join(parts, " && "), nil
}

func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if h, m, ok := strings.Cut(s, ":"); ok {
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
			return 0, fmt.Errorf("invalid time: %q", s)
		}
		return hh*60 + mm, nil
	}
	hh, err := strconv.Atoi(s)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid time: %q", s)
	}
	return hh * 60, nil
}

func parseDay(s string) (int, error) {
	d, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || d < 0 || d > 6 {
		return 0, fmt.Errorf("invalid day: %q", s)
	}
	return d, nil
}
