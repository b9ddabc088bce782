package notification

type NotificationData struct {
	To      string            // Recipient identifier (e.g., email address, phone number)
	Subject string            // Optional: Subject for notifications like email
	Body    string            // The content or message to send
	Data    map[string]string // Template data (e.g., one-time code, confirmation link)
}

// NoticeTemplate holds the renderable bodies for one notice on one system.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

type Notifier interface {
	Send(noticeType NoticeType, notification NotificationData, noticeTemplate NoticeTemplate) error
}
