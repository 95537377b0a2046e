package interfaces

// Publisher fans events out to monitoring clients. Delivery is
// fire-and-forget: a slow or disconnected client never blocks the
// caller and never surfaces an error.
type Publisher interface {
	// PublishToExam delivers the payload to every connection currently
	// joined to the exam's room, in publish order for that room.
	PublishToExam(examID, event string, payload map[string]interface{})

	// PublishToUser delivers directly to a connected user. Returns false
	// when the user is not currently connected; callers must not assume
	// receipt.
	PublishToUser(userID, event string, payload map[string]interface{}) bool
}
