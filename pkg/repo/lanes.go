package repo

import (
	"time"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/types"
)

// LaneHeadHistoryDepth is the number of recent head entries retained per
// user per lane; GC treats them as retention roots.
const LaneHeadHistoryDepth = 5

func (s *State) findLane(id string) (*types.Lane, bool) {
	for i := range s.repo.Lanes {
		if s.repo.Lanes[i].ID == id {
			return &s.repo.Lanes[i], true
		}
	}
	return nil, false
}

// EnsureLane makes sure lane id exists, creating it (with members) if absent.
func (s *State) EnsureLane(id string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findLane(id); ok {
		return nil
	}
	s.repo.Lanes = append(s.repo.Lanes, types.Lane{
		ID:          id,
		Members:     members,
		Heads:       map[string]types.LaneHead{},
		HeadHistory: map[string][]types.LaneHead{},
	})
	return s.persistLocked()
}

// AddLaneMember adds userID to laneID's membership.
func (s *State) AddLaneMember(laneID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane, ok := s.findLane(laneID)
	if !ok {
		return cvgerr.NotFoundf("lane %s not found", laneID)
	}
	lane.Members = appendUnique(lane.Members, userID)
	return s.persistLocked()
}

// UpdateLaneHead records userID's current unpublished-work pointer in
// laneID, pushing the prior head into HeadHistory (capped at
// LaneHeadHistoryDepth entries, most recent first).
func (s *State) UpdateLaneHead(laneID, userID string, snapID types.ObjectId, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane, ok := s.findLane(laneID)
	if !ok {
		return cvgerr.NotFoundf("lane %s not found", laneID)
	}
	head := types.LaneHead{SnapID: snapID, UpdatedAt: time.Now().UTC().Format(time.RFC3339), ClientID: clientID}
	if prior, had := lane.Heads[userID]; had {
		hist := append([]types.LaneHead{prior}, lane.HeadHistory[userID]...)
		if len(hist) > LaneHeadHistoryDepth {
			hist = hist[:LaneHeadHistoryDepth]
		}
		lane.HeadHistory[userID] = hist
	}
	lane.Heads[userID] = head
	return s.persistLocked()
}
