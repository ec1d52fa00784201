package council

import (
	"context"
	"errors"
	"sync"

	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

// beginRound increments and returns the discussion round counter for a
// launch, seeding it from the recorded transcript on first use (so a
// restarted server continues rather than restarts the count).
func (e *Engine) beginRound(launchID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rounds[launchID]; !ok {
		e.rounds[launchID] = e.storedRoundCount(launchID)
	}
	e.rounds[launchID]++
	return e.rounds[launchID]
}

func (e *Engine) roundsStarted(launchID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.rounds[launchID]; ok {
		return n
	}
	return e.storedRoundCount(launchID)
}

func (e *Engine) storedRoundCount(launchID string) int {
	msgs, err := e.store.ListDiscussionMessages(context.Background(), launchID)
	if err != nil {
		return 0
	}
	max := 0
	for _, m := range msgs {
		if m.Round > max {
			max = m.Round
		}
	}
	return max
}

// watchAutoAdvance fires the next transition once every named session
// has exited: member-set completion moves to the next discussion round
// or to review; reviewer-set completion moves to synthesis or the
// aggregated finish.
func (e *Engine) watchAutoAdvance(sessionIDs []string, launchID, role string) {
	if len(sessionIDs) == 0 {
		return
	}
	var mu sync.Mutex
	remaining := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		remaining[id] = true
	}
	for _, id := range sessionIDs {
		sessionID := id
		var once sync.Once
		var tokMu sync.Mutex
		var token string
		t := e.procs.Subscribe(sessionID, func(_ string, ev procman.Event) {
			if ev.Type != procman.EventSessionExited {
				return
			}
			once.Do(func() {
				tokMu.Lock()
				tok := token
				tokMu.Unlock()
				e.procs.Unsubscribe(sessionID, tok)
				mu.Lock()
				delete(remaining, sessionID)
				done := len(remaining) == 0
				mu.Unlock()
				if done {
					go e.advance(launchID, role)
				}
			})
		})
		tokMu.Lock()
		token = t
		tokMu.Unlock()
	}
}

func (e *Engine) advance(launchID, role string) {
	ctx := context.Background()
	launch, err := e.store.GetLaunch(ctx, launchID)
	if err != nil {
		e.log.Error("council: auto-advance lost launch", "launch", launchID, "error", err)
		return
	}
	if launch.Stage == store.StageComplete || launch.Stage == store.StageFailed {
		return
	}
	c, err := e.store.GetCouncil(ctx, launch.CouncilID)
	if err != nil {
		e.log.Error("council: auto-advance lost council", "launch", launchID, "error", err)
		return
	}

	switch role {
	case store.RoleMember:
		if e.roundsStarted(launchID) < c.DiscussionRounds {
			if res := e.TriggerDiscussion(ctx, launchID); !res.OK {
				e.logEvent(launchID, "", "error", "auto discussion failed", res.Error)
				e.FinishWithAggregatedSynthesis(ctx, launchID)
			}
			return
		}
		if res := e.TriggerReview(ctx, launchID); !res.OK {
			e.logEvent(launchID, "", "error", "auto review failed", res.Error)
			e.FinishWithAggregatedSynthesis(ctx, launchID)
		}
	case store.RoleReviewer:
		if c.ChairmanAgentID == "" {
			e.FinishWithAggregatedSynthesis(ctx, launchID)
			return
		}
		if res := e.TriggerSynthesis(ctx, launchID, true, ""); !res.OK {
			e.logEvent(launchID, "", "error", "auto synthesis failed", res.Error)
			e.FinishWithAggregatedSynthesis(ctx, launchID)
		}
	}
}

// watchSynthesis completes the launch when the chairman session exits,
// adopting its last assistant text as the synthesis.
func (e *Engine) watchSynthesis(launchID, sessionID string) {
	var once sync.Once
	var tokMu sync.Mutex
	var token string
	t := e.procs.Subscribe(sessionID, func(_ string, ev procman.Event) {
		if ev.Type != procman.EventSessionExited {
			return
		}
		once.Do(func() {
			tokMu.Lock()
			tok := token
			tokMu.Unlock()
			e.procs.Unsubscribe(sessionID, tok)
			go e.completeSynthesis(launchID, sessionID)
		})
	})
	tokMu.Lock()
	token = t
	tokMu.Unlock()
}

func (e *Engine) completeSynthesis(launchID, sessionID string) {
	ctx := context.Background()
	launch, err := e.store.GetLaunch(ctx, launchID)
	if err != nil || launch.Stage == store.StageComplete || launch.Stage == store.StageFailed {
		return
	}
	synthesis := noSynthesisPlaceholder
	msg, err := e.store.LastAssistantMessage(ctx, sessionID)
	if err == nil {
		synthesis = msg.Content
	} else if !errors.Is(err, store.ErrNotFound) {
		e.log.Error("council: read synthesis failed", "launch", launchID, "session", sessionID, "error", err)
	}
	if err := e.store.SetLaunchSynthesis(ctx, launchID, synthesis); err != nil {
		e.log.Error("council: write synthesis failed", "launch", launchID, "error", err)
		return
	}
	e.setStage(ctx, launchID, store.StageComplete, nil)
}
