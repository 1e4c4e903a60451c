// Package store is the single owner of all relay state: projects, builds,
// presence entries and process counters. Every other component reads and
// writes through it and only ever receives copies. Read-modify-write goes
// through the Update helpers, which run the mutation under the store lock;
// code that performed I/O in between must re-enter the store rather than
// write back a snapshot captured before the call.
package store

import (
	"sync"

	"github.com/splax/buildrelay/internal/domain"
)

// Store holds all in-memory relay state. State lives for the process
// lifetime only.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*domain.Project
	builds   map[string]*domain.Build
	presence map[string]*domain.Presence
	metrics  *domain.Metrics
}

// New returns an empty store.
func New() *Store {
	return &Store{
		projects: make(map[string]*domain.Project),
		builds:   make(map[string]*domain.Build),
		presence: make(map[string]*domain.Presence),
		metrics:  &domain.Metrics{},
	}
}

// Metrics exposes the process counters.
func (s *Store) Metrics() *domain.Metrics {
	return s.metrics
}

// Project returns a copy of the project, or ErrNotFound.
func (s *Store) Project(id string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return project.Clone(), nil
}

// PutProject inserts or replaces a project record.
func (s *Store) PutProject(project *domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project.Clone()
}

// UpdateProject applies fn to the current project record under the store
// lock and returns a copy of the result.
func (s *Store) UpdateProject(id string, fn func(*domain.Project)) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(project)
	return project.Clone(), nil
}

// UpsertProject applies fn to the existing project, or to a freshly
// created record with the given id when none exists. fn receives
// created=true for the fresh record. The whole operation runs under the
// store lock.
func (s *Store) UpsertProject(id string, fn func(p *domain.Project, created bool)) *domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[id]
	if !ok {
		project = &domain.Project{ID: id}
		s.projects[id] = project
	}
	fn(project, !ok)
	return project.Clone()
}

// Projects returns a snapshot of all projects. The result is a copy, not
// a live view.
func (s *Store) Projects() []domain.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, project := range s.projects {
		out = append(out, *project.Clone())
	}
	return out
}

// Build returns a copy of the build, or ErrNotFound.
func (s *Store) Build(id string) (*domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	build, ok := s.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return build.Clone(), nil
}

// PutBuild inserts or replaces a build record.
func (s *Store) PutBuild(build *domain.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[build.ID] = build.Clone()
}

// UpdateBuild applies fn to the current build record under the store lock
// and returns a copy of the result.
func (s *Store) UpdateBuild(id string, fn func(*domain.Build)) (*domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(build)
	return build.Clone(), nil
}

// UpsertBuild applies fn to the existing build, or to a freshly created
// record with the given id when none exists. fn receives created=true
// for the fresh record. The whole operation runs under the store lock.
func (s *Store) UpsertBuild(id string, fn func(b *domain.Build, created bool)) *domain.Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.builds[id]
	if !ok {
		build = &domain.Build{ID: id}
		s.builds[id] = build
	}
	fn(build, !ok)
	return build.Clone()
}

// Builds returns a snapshot of all builds.
func (s *Store) Builds() []domain.Build {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Build, 0, len(s.builds))
	for _, build := range s.builds {
		out = append(out, *build.Clone())
	}
	return out
}

// DeleteProject removes a project and cascades to every build owned by
// it. It returns the ids of the removed builds, or ErrNotFound when the
// project does not exist.
func (s *Store) DeleteProject(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return nil, ErrNotFound
	}
	delete(s.projects, id)
	var removed []string
	for buildID, build := range s.builds {
		if build.ProjectID == id {
			delete(s.builds, buildID)
			removed = append(removed, buildID)
		}
	}
	return removed, nil
}

// SetPresence records the presence entry for a connection.
func (s *Store) SetPresence(entry *domain.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.presence[entry.ConnectionID] = &copied
}

// Presence returns the presence entry for a connection, if any.
func (s *Store) Presence(connectionID string) (*domain.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.presence[connectionID]
	if !ok {
		return nil, false
	}
	copied := *entry
	return &copied, true
}

// RemovePresence deletes and returns the presence entry for a connection.
func (s *Store) RemovePresence(connectionID string) (*domain.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.presence[connectionID]
	if !ok {
		return nil, false
	}
	delete(s.presence, connectionID)
	copied := *entry
	return &copied, true
}
