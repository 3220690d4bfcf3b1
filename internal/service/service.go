// Package service implements the prompt catalog: validated CRUD over the
// repository with a write-through in-memory cache kept fresh by
// LISTEN/NOTIFY invalidations and a periodic resync.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/promptnexus/nexus/internal/core"
	"github.com/promptnexus/nexus/internal/repository"
)

const (
	EventTypeUpdated    = "updated"
	EventTypeDeleted    = "deleted"
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrPromptNotFound  = errors.New("prompt not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidPrompt   = errors.New("invalid prompt")
)

var (
	validPromptTypes = map[string]bool{"IMG2IMG": true, "TXT2IMG": true}
	validRarities    = map[string]bool{
		string(core.RarityCommon):    true,
		string(core.RarityRare):      true,
		string(core.RarityLegendary): true,
	}
)

// Repository is the persistence surface the catalog needs.
type Repository interface {
	CreatePrompt(ctx context.Context, prompt repository.Prompt) (repository.Prompt, error)
	GetPrompt(ctx context.Context, id string) (repository.Prompt, error)
	ListPrompts(ctx context.Context) ([]repository.Prompt, error)
	ListPromptsByUser(ctx context.Context, userID string) ([]repository.Prompt, error)
	DeletePrompt(ctx context.Context, id string) error
	SetPromptTrending(ctx context.Context, id string, trending bool, rank *int) (repository.Prompt, error)
	SetPromptPremium(ctx context.Context, id string, premium bool) (repository.Prompt, error)
	ListCategories(ctx context.Context) ([]string, error)
	CreateCategory(ctx context.Context, name string) error
	SavePrompt(ctx context.Context, userID, promptID string) error
	UnsavePrompt(ctx context.Context, userID, promptID string) error
	ListSavedPromptIDs(ctx context.Context, userID string) ([]string, error)
	GetProfile(ctx context.Context, id string) (repository.Profile, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.PromptEvent, error)
	PublishPromptEvent(ctx context.Context, event repository.PromptEvent) (repository.PromptEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribePromptInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// ImageCleaner removes stored gallery images by their public URL.
type ImageCleaner interface {
	DeleteByURL(ctx context.Context, url string) error
}

// ListFilter narrows ListPrompts results. Zero value means no filtering.
type ListFilter struct {
	Category     string
	TrendingOnly bool
	PremiumOnly  bool
	Search       string
}

// Service is the cached prompt catalog.
type Service struct {
	repo  Repository
	mu    sync.RWMutex
	cache map[string]repository.Prompt

	onCacheLoad       func()
	onCacheInvalidate func()
	resyncInterval    time.Duration
	images            ImageCleaner
}

// Option configures optional Service behavior.
type Option func(*Service)

// WithCacheHooks registers callbacks fired after each cache load and on each
// invalidation notification, used for metrics.
func WithCacheHooks(onLoad, onInvalidate func()) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidate = onInvalidate
	}
}

// WithResyncInterval overrides how often the cache is reloaded as a safety
// net for missed notifications.
func WithResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithImageCleanup registers the object store so deleting a prompt also
// removes its uploaded images.
func WithImageCleanup(cleaner ImageCleaner) Option {
	return func(s *Service) {
		s.images = cleaner
	}
}

// New creates the catalog service, eagerly loading the cache and, when the
// repository supports it, subscribing to invalidation notifications.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		cache:          make(map[string]repository.Prompt),
		resyncInterval: defaultCacheResyncInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the cache with the repository's current prompt set.
func (s *Service) LoadCache(ctx context.Context) error {
	prompts, err := s.repo.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	next := make(map[string]repository.Prompt, len(prompts))
	for _, prompt := range prompts {
		next[prompt.ID] = prompt
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}

	return nil
}

// CreatePrompt validates and persists a new prompt owned by userID.
func (s *Service) CreatePrompt(ctx context.Context, prompt repository.Prompt, userID string) (repository.Prompt, error) {
	prompt.UserID = userID
	if err := validatePrompt(prompt); err != nil {
		return repository.Prompt{}, err
	}

	created, err := s.repo.CreatePrompt(ctx, prompt)
	if err != nil {
		return repository.Prompt{}, fmt.Errorf("create prompt: %w", err)
	}

	s.setCachedPrompt(created)
	s.publishPromptEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

// GetPrompt returns one prompt, serving from cache when possible.
func (s *Service) GetPrompt(ctx context.Context, id string) (repository.Prompt, error) {
	if strings.TrimSpace(id) == "" {
		return repository.Prompt{}, errors.New("prompt id is required")
	}

	if prompt, ok := s.getCachedPrompt(id); ok {
		return prompt, nil
	}

	prompt, err := s.repo.GetPrompt(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Prompt{}, ErrPromptNotFound
		}
		return repository.Prompt{}, fmt.Errorf("get prompt: %w", err)
	}

	s.setCachedPrompt(prompt)
	return prompt, nil
}

// ListPrompts returns the cached catalog with the filter applied, trending
// prompts first by rank, then newest first.
func (s *Service) ListPrompts(_ context.Context, filter ListFilter) ([]repository.Prompt, error) {
	s.mu.RLock()
	prompts := make([]repository.Prompt, 0, len(s.cache))
	for _, prompt := range s.cache {
		if matchesFilter(prompt, filter) {
			prompts = append(prompts, prompt)
		}
	}
	s.mu.RUnlock()

	sort.Slice(prompts, func(i, j int) bool {
		a, b := prompts[i], prompts[j]
		if a.Trending != b.Trending {
			return a.Trending
		}
		if a.Trending && b.Trending {
			ar, br := trendingRank(a), trendingRank(b)
			if ar != br {
				return ar < br
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	return prompts, nil
}

// ListPromptsByUser returns one creator's prompts, bypassing the cache so
// profile pages stay exact.
func (s *Service) ListPromptsByUser(ctx context.Context, userID string) ([]repository.Prompt, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}

	prompts, err := s.repo.ListPromptsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list prompts by user: %w", err)
	}

	return prompts, nil
}

// DeletePrompt removes a prompt. Only the owner may delete; ownerID is
// skipped when empty (admin path).
func (s *Service) DeletePrompt(ctx context.Context, id, ownerID string) error {
	existing, err := s.GetPrompt(ctx, id)
	if err != nil {
		return err
	}
	if ownerID != "" && existing.UserID != ownerID {
		return ErrPromptNotFound
	}

	if err := s.repo.DeletePrompt(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedPrompt(id)
			return ErrPromptNotFound
		}
		return fmt.Errorf("delete prompt: %w", err)
	}

	s.deleteCachedPrompt(id)
	s.publishPromptEventBestEffort(ctx, EventTypeDeleted, existing)
	s.cleanupImagesBestEffort(ctx, existing)

	return nil
}

// SetPromptTrending updates curation state from the admin portal.
func (s *Service) SetPromptTrending(ctx context.Context, id string, trending bool, rank *int) (repository.Prompt, error) {
	updated, err := s.repo.SetPromptTrending(ctx, id, trending, rank)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedPrompt(id)
			return repository.Prompt{}, ErrPromptNotFound
		}
		return repository.Prompt{}, fmt.Errorf("set prompt trending: %w", err)
	}

	s.setCachedPrompt(updated)
	s.publishPromptEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

// SetPromptPremium flips the premium gate on a prompt.
func (s *Service) SetPromptPremium(ctx context.Context, id string, premium bool) (repository.Prompt, error) {
	updated, err := s.repo.SetPromptPremium(ctx, id, premium)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedPrompt(id)
			return repository.Prompt{}, ErrPromptNotFound
		}
		return repository.Prompt{}, fmt.Errorf("set prompt premium: %w", err)
	}

	s.setCachedPrompt(updated)
	s.publishPromptEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

// ListCategories returns the category names.
func (s *Service) ListCategories(ctx context.Context) ([]string, error) {
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}

	return categories, nil
}

// CreateCategory adds a category name; duplicates are ignored.
func (s *Service) CreateCategory(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("category name is required")
	}

	if err := s.repo.CreateCategory(ctx, strings.TrimSpace(name)); err != nil {
		return fmt.Errorf("create category: %w", err)
	}

	return nil
}

// SavePrompt bookmarks a prompt for a member.
func (s *Service) SavePrompt(ctx context.Context, userID, promptID string) error {
	if _, err := s.GetPrompt(ctx, promptID); err != nil {
		return err
	}

	if err := s.repo.SavePrompt(ctx, userID, promptID); err != nil {
		return fmt.Errorf("save prompt: %w", err)
	}

	return nil
}

// UnsavePrompt removes a bookmark.
func (s *Service) UnsavePrompt(ctx context.Context, userID, promptID string) error {
	if err := s.repo.UnsavePrompt(ctx, userID, promptID); err != nil {
		return fmt.Errorf("unsave prompt: %w", err)
	}

	return nil
}

// ListSavedPrompts resolves a member's bookmarks to full prompt records,
// dropping bookmarks whose prompt has since been deleted.
func (s *Service) ListSavedPrompts(ctx context.Context, userID string) ([]repository.Prompt, error) {
	ids, err := s.repo.ListSavedPromptIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list saved prompts: %w", err)
	}

	prompts := make([]repository.Prompt, 0, len(ids))
	for _, id := range ids {
		prompt, err := s.GetPrompt(ctx, id)
		if err != nil {
			if errors.Is(err, ErrPromptNotFound) {
				continue
			}
			return nil, err
		}
		prompts = append(prompts, prompt)
	}

	return prompts, nil
}

// GetProfile returns a member profile.
func (s *Service) GetProfile(ctx context.Context, id string) (repository.Profile, error) {
	if strings.TrimSpace(id) == "" {
		return repository.Profile{}, errors.New("profile id is required")
	}

	profile, err := s.repo.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Profile{}, ErrProfileNotFound
		}
		return repository.Profile{}, fmt.Errorf("get profile: %w", err)
	}

	return profile, nil
}

// Descriptor maps a prompt to the fields the entitlement engine reads.
func Descriptor(prompt repository.Prompt) core.ContentDescriptor {
	return core.ContentDescriptor{
		Premium: prompt.Premium,
		Rarity:  core.Rarity(prompt.Rarity),
	}
}

// ListEventsSince returns prompt events after the given ID for streaming.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.PromptEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) getCachedPrompt(id string) (repository.Prompt, bool) {
	s.mu.RLock()
	prompt, ok := s.cache[id]
	s.mu.RUnlock()

	return prompt, ok
}

func (s *Service) setCachedPrompt(prompt repository.Prompt) {
	s.mu.Lock()
	s.cache[prompt.ID] = prompt
	s.mu.Unlock()
}

func (s *Service) deleteCachedPrompt(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribePromptInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribePromptInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribePromptInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidate != nil {
					s.onCacheInvalidate()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	_ = s.LoadCache(reloadCtx)
}

// cleanupImagesBestEffort drops the deleted prompt's objects from the image
// store. Foreign URLs are skipped by the cleaner, and failures leave at
// worst an orphaned object, so the row delete never rolls back over this.
func (s *Service) cleanupImagesBestEffort(ctx context.Context, prompt repository.Prompt) {
	if s.images == nil {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	for _, url := range []string{prompt.ImageResult, prompt.ImageSource} {
		if url == "" {
			continue
		}
		_ = s.images.DeleteByURL(cleanupCtx, url)
	}
}

func (s *Service) publishPromptEventBestEffort(ctx context.Context, eventType string, prompt repository.Prompt) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.publishPromptEvent(publishCtx, eventType, prompt)
}

func (s *Service) publishPromptEvent(ctx context.Context, eventType string, prompt repository.Prompt) error {
	// The event payload never carries the gated fields; consumers fetch the
	// full record through the gated API if they need it.
	payload, err := json.Marshal(struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Premium  bool   `json:"is_premium"`
		Trending bool   `json:"is_trending"`
		Category string `json:"category"`
		Rarity   string `json:"rarity"`
	}{
		ID:       prompt.ID,
		Title:    prompt.Title,
		Premium:  prompt.Premium,
		Trending: prompt.Trending,
		Category: prompt.Category,
		Rarity:   prompt.Rarity,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishPromptEvent(ctx, repository.PromptEvent{
		PromptID:  prompt.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func matchesFilter(prompt repository.Prompt, filter ListFilter) bool {
	if filter.Category != "" && !strings.EqualFold(prompt.Category, filter.Category) {
		return false
	}
	if filter.TrendingOnly && !prompt.Trending {
		return false
	}
	if filter.PremiumOnly && !prompt.Premium {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(prompt.Title), needle) &&
			!strings.Contains(strings.ToLower(prompt.Description), needle) {
			return false
		}
	}
	return true
}

func trendingRank(prompt repository.Prompt) int {
	if prompt.TrendingRank == nil {
		return int(^uint(0) >> 1)
	}
	return *prompt.TrendingRank
}

func validatePrompt(prompt repository.Prompt) error {
	if strings.TrimSpace(prompt.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPrompt)
	}
	if strings.TrimSpace(prompt.PromptText) == "" {
		return fmt.Errorf("%w: prompt text is required", ErrInvalidPrompt)
	}
	if strings.TrimSpace(prompt.UserID) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidPrompt)
	}
	if !validPromptTypes[prompt.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPrompt, prompt.Type)
	}
	if !validRarities[prompt.Rarity] {
		return fmt.Errorf("%w: unknown rarity %q", ErrInvalidPrompt, prompt.Rarity)
	}
	if prompt.GuidanceScale < 0 {
		return fmt.Errorf("%w: guidance scale must be non-negative", ErrInvalidPrompt)
	}
	return nil
}
