package entity

import (
	"time"

	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionStopped   SessionStatus = "stopped"
)

// ActivityType 训练/作业活动标签
type ActivityType string

const (
	ActivityWalking      ActivityType = "walking"
	ActivityRunning      ActivityType = "running"
	ActivityCrawling     ActivityType = "crawling"
	ActivityStairClimb   ActivityType = "stair_climb"
	ActivityLadderClimb  ActivityType = "ladder_climb"
	ActivityCasualtyDrag ActivityType = "casualty_drag"
	ActivityStanding     ActivityType = "standing"
)

// ActivityTypes 固定标签集
var ActivityTypes = []ActivityType{
	ActivityWalking,
	ActivityRunning,
	ActivityCrawling,
	ActivityStairClimb,
	ActivityLadderClimb,
	ActivityCasualtyDrag,
	ActivityStanding,
}

// ValidActivityType 判断标签是否在固定集合内 (空值允许, 表示未标注)
func ValidActivityType(a ActivityType) bool {
	if a == "" {
		return true
	}
	for _, t := range ActivityTypes {
		if t == a {
			return true
		}
	}
	return false
}

// Session 一次录制会话。任意时刻至多一个会话处于 recording 状态。
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	ActivityType ActivityType  `json:"activity_type,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	StoppedAt    *time.Time    `json:"stopped_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// NewSession 创建处于 recording 状态的新会话
func NewSession(id, name string, activity ActivityType, now time.Time) (*Session, error) {
	if name == "" {
		return nil, apperrors.NewInvalidInput("session name is required")
	}
	if !ValidActivityType(activity) {
		return nil, apperrors.NewInvalidInput("unknown activity type: " + string(activity))
	}
	return &Session{
		ID:           id,
		Name:         name,
		ActivityType: activity,
		Status:       SessionRecording,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}, nil
}

// IsRecording 判断是否处于录制状态
func (s *Session) IsRecording() bool {
	return s.Status == SessionRecording
}

// Stop transitions recording → stopped. Stopping an already stopped session
// is a no-op; stopped_at is never rewritten.
func (s *Session) Stop(now time.Time) {
	if s.Status == SessionStopped {
		return
	}
	stopped := now.UTC()
	if stopped.Before(s.CreatedAt) {
		stopped = s.CreatedAt
	}
	s.Status = SessionStopped
	s.StoppedAt = &stopped
	s.UpdatedAt = stopped
}
