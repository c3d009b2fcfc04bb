package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"surveybot/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const activeKey = "active"

// Catalog serves the active questionnaire with a short-lived cache
type Catalog struct {
	store QuestionStore
	cache *expirable.LRU[string, []model.Question]
}

func NewCatalog(store QuestionStore, ttl time.Duration) *Catalog {
	return &Catalog{
		store: store,
		cache: expirable.NewLRU[string, []model.Question](1, nil, ttl),
	}
}

// Active returns active questions sorted by (order, id)
func (c *Catalog) Active(ctx context.Context) ([]model.Question, error) {
	if qs, ok := c.cache.Get(activeKey); ok {
		return qs, nil
	}
	qs, err := c.store.ListActiveQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active questions: %w", err)
	}
	active := make([]model.Question, 0, len(qs))
	for _, q := range qs {
		if q.Active {
			active = append(active, q)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return model.Less(active[i], active[j]) })
	c.cache.Add(activeKey, active)
	return active, nil
}

// Invalidate drops the cached list after a definition change
func (c *Catalog) Invalidate() {
	c.cache.Purge()
}

func findQuestion(active []model.Question, id string) (*model.Question, bool) {
	for i := range active {
		if active[i].ID == id {
			q := active[i]
			return &q, true
		}
	}
	return nil, false
}
