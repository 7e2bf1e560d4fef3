package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/liamcoop/programrules/internal/metrics"
	"github.com/liamcoop/programrules/metadata"
)

// TemplateService looks up notification templates by UID. A missing
// template is reported as metadata.ErrNotFound.
type TemplateService interface {
	NotificationTemplate(ctx context.Context, uid string) (*metadata.NotificationTemplate, error)
}

// CachedTemplateService keeps recently used templates in an in-process
// S3-FIFO cache in front of another TemplateService. Misses are not cached.
type CachedTemplateService struct {
	next  TemplateService
	store otter.Cache[string, metadata.NotificationTemplate]
}

// NewCachedTemplateService wraps next with a cache holding at most capacity
// templates for ttl each.
func NewCachedTemplateService(next TemplateService, capacity int, ttl time.Duration) (*CachedTemplateService, error) {
	cache, err := otter.MustBuilder[string, metadata.NotificationTemplate](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build template cache: %w", err)
	}
	return &CachedTemplateService{next: next, store: cache}, nil
}

func (c *CachedTemplateService) NotificationTemplate(ctx context.Context, uid string) (*metadata.NotificationTemplate, error) {
	if t, ok := c.store.Get(uid); ok {
		metrics.TemplateCacheHits.Inc()
		return &t, nil
	}
	metrics.TemplateCacheMisses.Inc()

	t, err := c.next.NotificationTemplate(ctx, uid)
	if err != nil {
		return nil, err
	}
	c.store.Set(uid, *t)
	return t, nil
}

// Invalidate drops every cached template.
func (c *CachedTemplateService) Invalidate() {
	c.store.Clear()
}

// Close stops the cache's background goroutines.
func (c *CachedTemplateService) Close() {
	c.store.Close()
}
