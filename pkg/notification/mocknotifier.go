package notification

import "fmt"

// MockNotifier records sent notifications for tests and local development.
type MockNotifier struct {
	SentNotifications []NotificationData
	SentNoticeTypes   []NoticeType
	FailWith          error // when set, Send returns this instead of recording
}

func (m *MockNotifier) Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.SentNotifications = append(m.SentNotifications, notification)
	m.SentNoticeTypes = append(m.SentNoticeTypes, noticeType)
	return nil
}

// Last returns the most recently recorded notification.
func (m *MockNotifier) Last() (NotificationData, error) {
	if len(m.SentNotifications) == 0 {
		return NotificationData{}, fmt.Errorf("no notifications sent")
	}
	return m.SentNotifications[len(m.SentNotifications)-1], nil
}
