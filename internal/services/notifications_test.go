package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

func TestNotifier_SubscribeNotifyUnsubscribe(t *testing.T) {
	var logs bytes.Buffer
	n := NewNotifier(lib.NewLoggerWithWriter(lib.LogLevelDebug, &logs))

	var seen []string
	first := n.Subscribe(func(note models.JobCompleteNotification) { seen = append(seen, "first:"+note.JobID) })
	n.Subscribe(func(models.JobCompleteNotification) { panic("subscriber down") })
	n.Subscribe(func(note models.JobCompleteNotification) { seen = append(seen, "third:"+string(note.Status)) })
	assert.Equal(t, 3, n.Len())

	assert.NotPanics(t, func() {
		n.Notify(models.JobCompleteNotification{JobID: "job-1", Status: models.JobStatusComplete})
	})
	assert.Equal(t, []string{"first:job-1", "third:COMPLETE"}, seen)
	assert.Contains(t, logs.String(), "Completion subscriber failed")

	n.Unsubscribe(first)
	n.Unsubscribe("missing")
	assert.Equal(t, 2, n.Len())

	seen = nil
	n.Notify(models.JobCompleteNotification{JobID: "job-2", Status: models.JobStatusError})
	assert.Equal(t, []string{"third:ERROR"}, seen)
}
