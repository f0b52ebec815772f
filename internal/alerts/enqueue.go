package alerts

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// ensureClient returns a usable client instance
func ensureClient() *asynq.Client {
	if client == nil {
		Init()
	}
	return client
}

// EnqueueNotify schedules an in-app notification for the given users.
// Reference carries the id of the thing being notified about (settlement,
// withdrawal, payment) so clients can deep-link.
func EnqueueNotify(userIDs []string, kind, title, body, reference string) error {
	if len(userIDs) == 0 {
		return nil
	}
	payload := NotifyPayload{
		UserIDs:   userIDs,
		Kind:      kind,
		Title:     title,
		Body:      body,
		Reference: reference,
		SentAt:    time.Now(),
	}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskNotify, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("notify"))
	return err
}

// EnqueueXPAward credits engagement points for a completed action.
func EnqueueXPAward(userID, actionKind, referenceID string) error {
	payload := XPAwardPayload{
		UserID:      userID,
		ActionKind:  actionKind,
		ReferenceID: referenceID,
		SentAt:      time.Now(),
	}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskAwardXP, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("xp"))
	return err
}
