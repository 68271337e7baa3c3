package transcript

import "github.com/vadim/neo-social/internal/domain/chat/entity"

// DefaultNearBottomThreshold is the distance in pixels from the bottom edge
// under which the viewport counts as near the bottom
const DefaultNearBottomThreshold = 80.0

// ScrollAction is the scroll directive attached to a render
type ScrollAction string

const (
	ScrollNone     ScrollAction = "none"
	ScrollToBottom ScrollAction = "bottom"
)

// ScrollState is derived from the latest viewport measurement
type ScrollState struct {
	IsNearBottom      bool `json:"is_near_bottom"`
	UserHasScrolledUp bool `json:"user_has_scrolled_up"`
}

// Viewport is a scroll measurement reported by the view
type Viewport struct {
	ScrollTop    float64 `json:"scroll_top"`
	ClientHeight float64 `json:"client_height"`
	ScrollHeight float64 `json:"scroll_height"`
}

// DistanceFromBottom returns how far the visible area is from the content end
func (v Viewport) DistanceFromBottom() float64 {
	return v.ScrollHeight - v.ScrollTop - v.ClientHeight
}

// AutoScroll decides whether a transcript change should move the viewport.
// It is not safe for concurrent use; the Consumer serializes access.
type AutoScroll struct {
	viewerID       string
	threshold      float64
	state          ScrollState
	lastRenderedID string
}

// NewAutoScroll creates an engine for viewerID. A non-positive threshold uses the default.
func NewAutoScroll(viewerID string, threshold float64) *AutoScroll {
	if threshold <= 0 {
		threshold = DefaultNearBottomThreshold
	}
	return &AutoScroll{viewerID: viewerID, threshold: threshold}
}

// Decide evaluates an updated message list (chronological) and returns the scroll directive
func (a *AutoScroll) Decide(messages []entity.Message) ScrollAction {
	if len(messages) == 0 {
		return ScrollNone
	}

	newest := messages[len(messages)-1]
	switch {
	case a.lastRenderedID == "":
		a.lastRenderedID = newest.ID
		return a.forceBottom()
	case newest.ID == a.lastRenderedID:
		return ScrollNone
	}

	a.lastRenderedID = newest.ID

	if newest.SenderID == a.viewerID {
		return a.forceBottom()
	}
	if a.nearBottom() {
		return ScrollToBottom
	}
	return ScrollNone
}

// OnScroll recomputes the scroll state from a viewport measurement
func (a *AutoScroll) OnScroll(v Viewport) {
	near := v.DistanceFromBottom() < a.threshold
	a.state = ScrollState{
		IsNearBottom:      near,
		UserHasScrolledUp: !near,
	}
}

// BeforeLoadEarlier must be called before fetching older messages so the
// resulting list growth is never force-scrolled
func (a *AutoScroll) BeforeLoadEarlier() {
	a.state.UserHasScrolledUp = true
}

// Reset clears all state; used when the active conversation changes
func (a *AutoScroll) Reset() {
	a.state = ScrollState{}
	a.lastRenderedID = ""
}

// State returns the current scroll state
func (a *AutoScroll) State() ScrollState {
	return a.state
}

// LastRenderedID returns the id of the newest message seen by Decide
func (a *AutoScroll) LastRenderedID() string {
	return a.lastRenderedID
}

func (a *AutoScroll) nearBottom() bool {
	return a.state.IsNearBottom && !a.state.UserHasScrolledUp
}

// forceBottom records that the viewport is being moved to the bottom edge
func (a *AutoScroll) forceBottom() ScrollAction {
	a.state = ScrollState{IsNearBottom: true}
	return ScrollToBottom
}
