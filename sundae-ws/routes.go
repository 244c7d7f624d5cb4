package sundaews

import (
	"net/url"

	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
)

// Backend paths. Subjects are path-escaped; everything else is fixed.
const (
	chatConnectPath         = "/api/chat/ws/connect"
	notificationConnectPath = "/api/notifications/ws/connect"
	notificationMessagePath = "/api/notifications/ws/message"
	feedMessagePath         = "/api/ws/items-feed/message"
)

func statusConnectPath(subject string) string {
	return "/api/ws/bookings/" + url.PathEscape(subject) + "/connect"
}

func statusMessagePath(subject string) string {
	return "/api/ws/bookings/" + url.PathEscape(subject) + "/message"
}

func chatSubjectConnectPath(subject string) string {
	return "/api/chat/ws/" + url.PathEscape(subject) + "/connect"
}

func chatMessagePath(subject string) string {
	return "/api/chat/ws/" + url.PathEscape(subject) + "/message"
}

func chatParticipantsPath(subject string) string {
	return "/api/chat/ws/" + url.PathEscape(subject) + "/participants"
}

// messagePath picks the backend path a message for connectionType goes to.
func messagePath(connectionType connectiondao.ConnectionType, subject string) string {
	switch connectionType {
	case connectiondao.Chat:
		return chatMessagePath(subject)
	case connectiondao.Notification:
		return notificationMessagePath
	case connectiondao.Feed:
		return feedMessagePath
	default:
		return statusMessagePath(subject)
	}
}
