package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

func TestNewSendGridSenderNilWithoutAPIKey(t *testing.T) {
	assert.Nil(t, NewSendGridSender(SendGridConfig{FromEmail: "alerts@example.com"}, nil))
	assert.Nil(t, NewSendGridSender(SendGridConfig{APIKey: "  ", FromEmail: "alerts@example.com"}, nil))
}

func TestNewSendGridSenderDefaultFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "SG.test", FromEmail: "alerts@example.com"}, nil)
	require.NotNil(t, sender)
	assert.Equal(t, defaultFromName, sender.from.Name)
	assert.Equal(t, "alerts@example.com", sender.from.Address)
}

type fakeSendGrid struct {
	status int
	err    error
	got    *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.got = email
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func TestSendGridSenderStatusHandling(t *testing.T) {
	fake := &fakeSendGrid{status: 202}
	sender := newSendGridSender(fake, SendGridConfig{FromEmail: "alerts@example.com"}, logging.New("error"))
	ctx := context.Background()

	require.NoError(t, sender.Send(ctx, EmailMessage{To: "dr@example.com", Subject: "s", Body: "b"}))
	require.NotNil(t, fake.got)
	assert.Equal(t, "s", fake.got.Subject)

	fake.status = 500
	assert.Error(t, sender.Send(ctx, EmailMessage{To: "dr@example.com", Subject: "s", Body: "b"}))

	fake.err = errors.New("dial failed")
	assert.Error(t, sender.Send(ctx, EmailMessage{To: "dr@example.com"}))
}

func TestSendGridSenderCarriesTags(t *testing.T) {
	fake := &fakeSendGrid{status: 202}
	sender := newSendGridSender(fake, SendGridConfig{FromEmail: "alerts@example.com"}, logging.New("error"))

	err := sender.Send(context.Background(), EmailMessage{
		To:      "dr@example.com",
		Subject: "Critical",
		Body:    "text",
		Tags:    map[string]string{"category": "triage-alert", "report_id": "rep-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"triage-alert"}, fake.got.Categories)
	assert.Equal(t, "rep-1", fake.got.CustomArgs["report_id"])
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSenderSend(t *testing.T) {
	fake := &fakeSES{}
	sender := newSESSender(fake, SESConfig{FromEmail: "alerts@example.com", ConfigurationSet: "triage"}, nil)

	err := sender.Send(context.Background(), EmailMessage{
		To:      "dr@example.com",
		Subject: "Critical",
		Body:    "text",
		HTML:    "<p>x</p>",
		Tags:    map[string]string{"urgency": "CRITICAL", "category": "triage-alert"},
	})
	require.NoError(t, err)
	assert.Equal(t, "MedTriage Alerts <alerts@example.com>", aws.ToString(fake.input.FromEmailAddress))
	assert.Equal(t, "triage", aws.ToString(fake.input.ConfigurationSetName))

	body := fake.input.Content.Simple.Body
	require.NotNil(t, body.Text)
	require.NotNil(t, body.Html)

	require.Len(t, fake.input.EmailTags, 2)
	assert.Equal(t, "category", aws.ToString(fake.input.EmailTags[0].Name))
	assert.Equal(t, "urgency", aws.ToString(fake.input.EmailTags[1].Name))

	fake.err = errors.New("throttled")
	assert.Error(t, sender.Send(context.Background(), EmailMessage{To: "dr@example.com"}))
}

func TestNewSESSenderNilClient(t *testing.T) {
	assert.Nil(t, NewSESSender(nil, SESConfig{}, nil))
}

func TestStubEmailSenderRecords(t *testing.T) {
	stub := NewStubEmailSender(nil)
	require.NoError(t, stub.Send(context.Background(), EmailMessage{To: "dr@example.com"}))
	assert.Len(t, stub.Sent, 1)
}
