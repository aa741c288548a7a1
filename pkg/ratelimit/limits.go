package ratelimit

// DefaultRPS is the ceiling applied to endpoint classes missing from the table.
const DefaultRPS = 1.0

// Endpoint classes of the messaging gateway API. A class is the method
// segment of the request path.
const (
	ClassGetState          = "getStateInstance"
	ClassGetSettings       = "getSettings"
	ClassSetSettings       = "setSettings"
	ClassQR                = "qr"
	ClassLogout            = "logout"
	ClassReboot            = "reboot"
	ClassGetWaSettings     = "getWaSettings"
	ClassSendMessage       = "sendMessage"
	ClassSendFileByUpload  = "sendFileByUpload"
	ClassSendFileByURL     = "sendFileByUrl"
	ClassSendContact       = "sendContact"
	ClassSendLocation      = "sendLocation"
	ClassSendPoll          = "sendPoll"
	ClassReceiveNotify     = "receiveNotification"
	ClassDeleteNotify      = "deleteNotification"
	ClassDownloadFile      = "downloadFile"
	ClassLastIncoming      = "lastIncomingMessages"
	ClassLastOutgoing      = "lastOutgoingMessages"
	ClassGetChatHistory    = "getChatHistory"
	ClassSetProfilePicture = "setProfilePicture"
)

// DefaultTable returns the reference ceilings in requests per second.
func DefaultTable() map[string]float64 {
	return map[string]float64{
		ClassGetState:          1,
		ClassGetSettings:       1,
		ClassSetSettings:       1,
		ClassQR:                1,
		ClassLogout:            1,
		ClassReboot:            1,
		ClassGetWaSettings:     1,
		ClassSendMessage:       50,
		ClassSendFileByUpload:  50,
		ClassSendFileByURL:     50,
		ClassSendContact:       50,
		ClassSendLocation:      50,
		ClassSendPoll:          50,
		ClassReceiveNotify:     100,
		ClassDeleteNotify:      100,
		ClassDownloadFile:      5,
		ClassLastIncoming:      1,
		ClassLastOutgoing:      1,
		ClassGetChatHistory:    1,
		ClassSetProfilePicture: 0.1,
	}
}
