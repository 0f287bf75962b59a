package server

import (
	"sync"
)

// ChannelManager tracks which channel each connected user currently
// belongs to. Membership is independent of UDP registration — a user can
// be InChannel without ever sending an audio datagram.
type ChannelManager struct {
	mu             sync.RWMutex
	members        map[int64]map[int64]bool // channelID -> set of userIDs
	userToChannel  map[int64]int64
}

func NewChannelManager() *ChannelManager {
	return &ChannelManager{
		members:       make(map[int64]map[int64]bool),
		userToChannel: make(map[int64]int64),
	}
}

// Join moves userID into channelID, leaving whatever channel it was
// previously in. The move is atomic from any other goroutine's view: no
// observer can see the user absent from both channels or present in both.
func (cm *ChannelManager) Join(userID, channelID int64) (prevChannelID int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if current, ok := cm.userToChannel[userID]; ok {
		if set, found := cm.members[current]; found {
			delete(set, userID)
			if len(set) == 0 {
				delete(cm.members, current)
			}
		}
		prevChannelID = current
	}

	if _, ok := cm.members[channelID]; !ok {
		cm.members[channelID] = make(map[int64]bool)
	}
	cm.members[channelID][userID] = true
	cm.userToChannel[userID] = channelID
	return prevChannelID
}

// Leave removes userID from its current channel, if any.
func (cm *ChannelManager) Leave(userID int64) (channelID int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	current, ok := cm.userToChannel[userID]
	if !ok {
		return 0
	}
	delete(cm.userToChannel, userID)
	if set, found := cm.members[current]; found {
		delete(set, userID)
		if len(set) == 0 {
			delete(cm.members, current)
		}
	}
	return current
}

// Members returns the user ids currently in channelID.
func (cm *ChannelManager) Members(channelID int64) []int64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	set := cm.members[channelID]
	result := make([]int64, 0, len(set))
	for uid := range set {
		result = append(result, uid)
	}
	return result
}

// ChannelOf returns the channel userID currently belongs to, or 0 if none.
func (cm *ChannelManager) ChannelOf(userID int64) int64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.userToChannel[userID]
}

// MembersCount returns how many users are in channelID.
func (cm *ChannelManager) MembersCount(channelID int64) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.members[channelID])
}
