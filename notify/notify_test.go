package notify

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jordan-wright/email"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Journal(t *testing.T) {
	fake := &fakeS3{}
	journal := &S3Journal{bucket: "ops-journal", client: fake}
	when := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	require.NoError(t, journal.Notify(context.Background(), Event{
		ID: "01HZZZ", Audience: Admin, Job: "upload", FileName: "run42.h5", Status: "failed",
		Error: "no tape in group physics has 3.00 TB available", Time: when,
	}))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "ops-journal", *fake.inputs[0].Bucket)
	assert.Equal(t, "events/2026/03/07/01HZZZ.json", *fake.inputs[0].Key)

	var got Event
	require.NoError(t, json.Unmarshal(fake.bodies[0], &got))
	assert.Equal(t, "run42.h5", got.FileName)
	assert.Equal(t, Admin, got.Audience)

	fake.err = errors.New("AccessDenied")
	assert.Error(t, journal.Notify(context.Background(), Event{Job: "upload"}))
}

func TestMailer(t *testing.T) {
	var sent []*email.Email
	m := NewMailer(SMTPConfig{Addr: "smtp.example.org:25", From: "tape@example.org"}, "ops@example.org")
	m.send = func(e *email.Email) error {
		sent = append(sent, e)
		return nil
	}

	require.NoError(t, m.Notify(context.Background(), Event{Audience: User, Recipient: "ana@example.org", Job: "download", FileName: "run42.h5", Status: "completed", TapeID: "T00001"}))
	require.NoError(t, m.Notify(context.Background(), Event{Audience: Admin, Recipient: "ana@example.org", Job: "upload", FileName: "run42.h5", Status: "failed", Critical: true}))
	require.Len(t, sent, 2)

	assert.Equal(t, []string{"ana@example.org"}, sent[0].To)
	assert.Equal(t, "download of run42.h5 completed", sent[0].Subject)
	assert.Contains(t, string(sent[0].Text), "Tape:   T00001")

	assert.Equal(t, []string{"ops@example.org"}, sent[1].To)
	assert.True(t, strings.HasPrefix(sent[1].Subject, "CRITICAL: "))

	assert.Error(t, m.Notify(context.Background(), Event{Audience: User}))
}

func TestMailerWithoutAdminSkipsAdminEvents(t *testing.T) {
	var sent []*email.Email
	m := NewMailer(SMTPConfig{Addr: "smtp.example.org:25", From: "tape@example.org"}, "")
	m.send = func(e *email.Email) error {
		sent = append(sent, e)
		return nil
	}

	require.NoError(t, m.Notify(context.Background(), Event{Audience: Admin, Recipient: "ana@example.org", Job: "upload", Status: "failed", Critical: true}))
	assert.Empty(t, sent)

	require.NoError(t, m.Notify(context.Background(), Event{Audience: User, Recipient: "ana@example.org", Job: "upload", Status: "failed"}))
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ana@example.org"}, sent[0].To)
}

type failing struct{}

func (failing) Notify(context.Context, Event) error { return errors.New("smtp: connection refused") }

type recording struct{ events []Event }

func (r *recording) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestMultiKeepsGoing(t *testing.T) {
	rec := &recording{}
	err := Multi{failing{}, rec}.Notify(context.Background(), Event{Job: "upload"})
	assert.Error(t, err)
	require.Len(t, rec.events, 1)
	assert.NotEmpty(t, rec.events[0].ID, "events are stamped once for every notifier")
	assert.False(t, rec.events[0].Time.IsZero())
}

func TestSendOnlyLogsFailures(t *testing.T) {
	hook := test.NewGlobal()
	Send(context.Background(), failing{}, Event{Audience: Admin, Job: "upload"})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "unable to notify", hook.LastEntry().Message)

	rec := &recording{}
	Send(context.Background(), rec, Event{Audience: User, Job: "upload"})
	assert.Empty(t, rec.events, "users without an address are skipped")
	Send(context.Background(), nil, Event{Audience: Admin})
}

func TestLogNotifier(t *testing.T) {
	hook := test.NewGlobal()
	require.NoError(t, LogNotifier{}.Notify(context.Background(), Event{Audience: Admin, Job: "upload", FileName: "f", Status: "failed", Critical: true, Error: "stuck"}))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "CRITICAL: upload of f failed", hook.LastEntry().Message)
	assert.Equal(t, "stuck", hook.LastEntry().Data["error"])
}
