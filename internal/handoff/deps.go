package handoff

import (
	"fmt"
	"sync"

	"devos/internal/events"
)

// CircularDependencyError rejects an edge that would close a cycle in
// the depends-on graph. The graph is left unchanged.
type CircularDependencyError struct {
	StoryID   string
	DependsOn string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.StoryID, e.DependsOn)
}

// DependencyManager maintains a directed depends-on graph per workspace.
type DependencyManager struct {
	mu      sync.Mutex
	emitter events.Emitter
	// graphs[workspace][story] = set of stories it depends on
	graphs map[string]map[string]map[string]bool
	// completed[workspace] = set of finished stories
	completed map[string]map[string]bool
}

// NewDependencyManager creates an empty manager.
func NewDependencyManager(emitter events.Emitter) *DependencyManager {
	return &DependencyManager{
		emitter:   emitter,
		graphs:    make(map[string]map[string]map[string]bool),
		completed: make(map[string]map[string]bool),
	}
}

func (d *DependencyManager) graph(workspaceID string) map[string]map[string]bool {
	g, ok := d.graphs[workspaceID]
	if !ok {
		g = make(map[string]map[string]bool)
		d.graphs[workspaceID] = g
	}
	return g
}

func (d *DependencyManager) done(workspaceID string) map[string]bool {
	c, ok := d.completed[workspaceID]
	if !ok {
		c = make(map[string]bool)
		d.completed[workspaceID] = c
	}
	return c
}

// AddDependency records that storyID depends on dependsOn. An edge that
// would introduce a cycle is rejected and the graph is untouched.
func (d *DependencyManager) AddDependency(workspaceID, storyID, dependsOn string) error {
	if storyID == dependsOn {
		return &CircularDependencyError{StoryID: storyID, DependsOn: dependsOn}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	g := d.graph(workspaceID)
	if d.reachable(g, dependsOn, storyID) {
		return &CircularDependencyError{StoryID: storyID, DependsOn: dependsOn}
	}
	if g[storyID] == nil {
		g[storyID] = make(map[string]bool)
	}
	g[storyID][dependsOn] = true
	return nil
}

// reachable walks depends-on edges from start looking for target.
func (d *DependencyManager) reachable(g map[string]map[string]bool, start, target string) bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for dep := range g[cur] {
			stack = append(stack, dep)
		}
	}
	return false
}

// RemoveDependency deletes an edge if present.
func (d *DependencyManager) RemoveDependency(workspaceID, storyID, dependsOn string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if deps := d.graph(workspaceID)[storyID]; deps != nil {
		delete(deps, dependsOn)
	}
}

// GetBlockingStories returns the incomplete stories storyID depends on.
func (d *DependencyManager) GetBlockingStories(workspaceID, storyID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	completed := d.done(workspaceID)
	var blocking []string
	for dep := range d.graph(workspaceID)[storyID] {
		if !completed[dep] {
			blocking = append(blocking, dep)
		}
	}
	return blocking
}

// MarkStoryComplete records completion and returns every story whose last
// unmet dependency was this one. An unblocked event is emitted per story.
func (d *DependencyManager) MarkStoryComplete(workspaceID, storyID string) []string {
	d.mu.Lock()
	completed := d.done(workspaceID)
	if completed[storyID] {
		d.mu.Unlock()
		return nil
	}
	completed[storyID] = true

	var unblocked []string
	for candidate, deps := range d.graph(workspaceID) {
		if completed[candidate] || !deps[storyID] {
			continue
		}
		blocked := false
		for dep := range deps {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			unblocked = append(unblocked, candidate)
		}
	}
	d.mu.Unlock()

	if d.emitter != nil {
		for _, story := range unblocked {
			d.emitter.Emit(events.OrchestratorStoryUnblocked, map[string]any{
				"workspaceId": workspaceID,
				"storyId":     story,
				"unblockedBy": storyID,
			})
		}
	}
	return unblocked
}

// GetDependencyGraph snapshots the workspace graph.
func (d *DependencyManager) GetDependencyGraph(workspaceID string) map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]string)
	for story, deps := range d.graph(workspaceID) {
		for dep := range deps {
			out[story] = append(out[story], dep)
		}
	}
	return out
}

// BlockedStories lists every story in the workspace with at least one
// unmet dependency.
func (d *DependencyManager) BlockedStories(workspaceID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	completed := d.done(workspaceID)
	var blocked []string
	for story, deps := range d.graph(workspaceID) {
		if completed[story] {
			continue
		}
		for dep := range deps {
			if !completed[dep] {
				blocked = append(blocked, story)
				break
			}
		}
	}
	return blocked
}
