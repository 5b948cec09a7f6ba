package cache

import (
	"context"
	"time"
)

const (
	// ProjectTTL bounds how long a user's project list is served from cache.
	ProjectTTL = 5 * time.Minute
	// TeamTTL bounds how long a project's roster is served from cache.
	TeamTTL = 10 * time.Minute

	projectKeyPrefix = "projects:"
	teamKeyPrefix    = "team:"
)

// Project is the cached summary of a construction project.
type Project struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status,omitempty"`
}

// TeamMember is one person on a project roster.
type TeamMember struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Email  string `json:"email,omitempty"`
}

// ProjectCache caches the projects visible to each user.
type ProjectCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewProjectCache wraps cache. A ttl of zero uses ProjectTTL.
func NewProjectCache(cache *Cache, ttl time.Duration) *ProjectCache {
	if ttl == 0 {
		ttl = ProjectTTL
	}
	return &ProjectCache{cache: cache, ttl: ttl}
}

// Put replaces the cached project list for userID.
func (p *ProjectCache) Put(ctx context.Context, userID string, projects []Project) error {
	return p.cache.Set(ctx, projectKeyPrefix+userID, projects, p.ttl)
}

// Get returns the cached project list. ok is false on a miss or after expiry.
func (p *ProjectCache) Get(ctx context.Context, userID string) ([]Project, bool, error) {
	var projects []Project
	_, ok, err := p.cache.Get(ctx, projectKeyPrefix+userID, &projects)
	return projects, ok, err
}

// Invalidate drops the cached list for userID.
func (p *ProjectCache) Invalidate(ctx context.Context, userID string) error {
	return p.cache.Invalidate(ctx, projectKeyPrefix+userID)
}

// TeamCache caches project rosters.
type TeamCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewTeamCache wraps cache. A ttl of zero uses TeamTTL.
func NewTeamCache(cache *Cache, ttl time.Duration) *TeamCache {
	if ttl == 0 {
		ttl = TeamTTL
	}
	return &TeamCache{cache: cache, ttl: ttl}
}

// Put replaces the cached roster for projectID.
func (t *TeamCache) Put(ctx context.Context, projectID string, members []TeamMember) error {
	return t.cache.Set(ctx, teamKeyPrefix+projectID, members, t.ttl)
}

// Get returns the cached roster. ok is false on a miss or after expiry.
func (t *TeamCache) Get(ctx context.Context, projectID string) ([]TeamMember, bool, error) {
	var members []TeamMember
	_, ok, err := t.cache.Get(ctx, teamKeyPrefix+projectID, &members)
	return members, ok, err
}

// Invalidate drops the cached roster for projectID.
func (t *TeamCache) Invalidate(ctx context.Context, projectID string) error {
	return t.cache.Invalidate(ctx, teamKeyPrefix+projectID)
}
