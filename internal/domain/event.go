package domain

const (
	EventNameStatusChanged      = "session.status_changed"
	EventNameSessionRemoved     = "session.removed"
	EventNamePlayerRemoved      = "player.removed"
	EventNameJokerUsed          = "joker.used"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventStatusChanged struct {
	From    Status
	Session Session
}

func (EventStatusChanged) Name() string { return EventNameStatusChanged }

type EventSessionRemoved struct {
	SessionID string
}

func (EventSessionRemoved) Name() string { return EventNameSessionRemoved }

type EventPlayerRemoved struct {
	SessionID string
	Player    Player
}

func (EventPlayerRemoved) Name() string { return EventNamePlayerRemoved }

type EventJokerUsed struct {
	SessionID string
	Joker     Joker
}

func (EventJokerUsed) Name() string { return EventNameJokerUsed }

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
