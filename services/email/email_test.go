package emailsvc

import (
	"encoding/json"
	"net/mail"
	"testing"

	"github.com/sendgrid/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/tests"
)

var conf = &core.Config{
	AppName: "Masomo",
	Email: core.EmailConfig{
		SendgridKey: "SG.test",
		DefaultFrom: mail.Address{Name: "Masomo", Address: "noreply@masomo.cd"},
	},
}

func message() *core.EmailMessage {
	return &core.EmailMessage{
		To:          []mail.Address{{Name: "Teacher", Address: "teacher@masomo.cd"}},
		Subject:     "Grades",
		TextContent: "Term 2 grades are out",
	}
}

func TestConsoleServiceMock(t *testing.T) {
	svc := NewConsoleServiceMock(conf)
	svc.SendMessages(message(), &core.EmailMessage{Subject: "nobody"}, &core.EmailMessage{To: message().To})

	sent := svc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Grades", sent[0].Subject)

	body := svc.render(*message())
	assert.Contains(t, body, "Subject: [Masomo] Grades")
	assert.Contains(t, body, `From: "Masomo" <noreply@masomo.cd>`)
	assert.Contains(t, body, "Term 2 grades are out")
}

func TestSendgridService_send(t *testing.T) {
	var got rest.Request
	sendgridAPIFunc = func(req rest.Request) (*rest.Response, error) {
		got = req
		return &rest.Response{StatusCode: 202}, nil
	}

	svc := NewSendgridService(conf, testutil.NewLogger(t)).(*sendgridService)
	svc.send(*message())

	assert.Equal(t, rest.Method("POST"), got.Method)
	assert.Equal(t, "https://api.sendgrid.com/v3/mail/send", got.BaseURL)
	assert.Equal(t, "Bearer SG.test", got.Headers["Authorization"])

	var payload struct {
		Personalizations []struct {
			Subject string `json:"subject"`
			To      []struct {
				Email string `json:"email"`
			} `json:"to"`
		} `json:"personalizations"`
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(got.Body, &payload))
	require.Len(t, payload.Personalizations, 1)
	assert.Equal(t, "[Masomo] Grades", payload.Personalizations[0].Subject)
	assert.Equal(t, "teacher@masomo.cd", payload.Personalizations[0].To[0].Email)
	require.Len(t, payload.Content, 1)
	assert.Equal(t, "text/plain", payload.Content[0].Type)
}
