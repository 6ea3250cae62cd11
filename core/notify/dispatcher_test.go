package notify

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/tests"
)

var opts = Options{AppName: "Masomo", DefaultBody: "You have a new update", DefaultIcon: "/img/icon.png"}

type platform struct {
	shown     []Notification
	dismissed []string
	opened    []string
	failShow  bool
}

func (p *platform) Show(_ context.Context, n Notification) error {
	if p.failShow {
		return errors.New("display unavailable")
	}
	p.shown = append(p.shown, n)
	return nil
}

func (p *platform) Dismiss(_ context.Context, tag string) error {
	p.dismissed = append(p.dismissed, tag)
	return nil
}

func (p *platform) OpenWindow(_ context.Context, url string) error {
	p.opened = append(p.opened, url)
	return nil
}

func TestParsePayload(t *testing.T) {
	defaultActions := []Action{{Action: ActionExplore, Title: "Open"}, {Action: ActionClose, Title: "Close"}}

	tests := []struct {
		name string
		raw  string
		want Payload
	}{
		{
			name: "complete",
			raw:  `{"title":"Grades","message":"Term 2 grades are out","icon":"/img/grades.png","classId":12}`,
			want: Payload{Title: "Grades", Body: "Term 2 grades are out", Icon: "/img/grades.png", Data: map[string]interface{}{"classId": float64(12)}},
		},
		{
			name: "body instead of message",
			raw:  `{"title":"Attendance","body":"Roll call is due"}`,
			want: Payload{Title: "Attendance", Body: "Roll call is due", Icon: opts.DefaultIcon},
		},
		{
			name: "empty object",
			raw:  `{}`,
			want: Payload{Title: "Masomo", Body: "You have a new update", Icon: opts.DefaultIcon},
		},
		{
			name: "empty payload",
			raw:  ``,
			want: Payload{Title: "Masomo", Body: "You have a new update", Icon: opts.DefaultIcon},
		},
		{
			name: "plain text",
			raw:  `School closes early today`,
			want: Payload{Title: "Masomo", Body: "School closes early today", Icon: opts.DefaultIcon},
		},
		{
			name: "wrong types",
			raw:  `{"title":42,"message":"  "}`,
			want: Payload{Title: "Masomo", Body: "You have a new update", Icon: opts.DefaultIcon, Data: map[string]interface{}{"title": float64(42)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want.Actions = defaultActions
			got := ParsePayload([]byte(tt.raw), opts)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("failed! ParsePayload() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDispatcher_OnPush(t *testing.T) {
	ctx := context.Background()
	p := &platform{}
	d := NewDispatcher(opts, p, p, testutil.NewLogger(t))

	n, err := d.OnPush(ctx, []byte(`{"title":"Calendar"}`))
	require.NoError(t, err)
	require.Len(t, p.shown, 1)
	assert.Equal(t, n.Tag, p.shown[0].Tag)
	assert.NotEmpty(t, n.Tag)
	assert.Equal(t, "Calendar", n.Title)
	assert.Equal(t, "You have a new update", n.Body)

	p.failShow = true
	_, err = d.OnPush(ctx, []byte(`{}`))
	assert.Error(t, err)
}

func TestDispatcher_OnNotificationClick(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		action        string
		tag           string
		wantDismissed []string
		wantOpened    []string
	}{
		{name: "explore", action: "explore", tag: "t1", wantDismissed: []string{"t1"}, wantOpened: []string{"/"}},
		{name: "default", action: "", tag: "t2", wantDismissed: []string{"t2"}, wantOpened: []string{"/"}},
		{name: "close", action: "close", tag: "t3", wantDismissed: []string{"t3"}},
		{name: "unknown", action: "archive", tag: "t4", wantDismissed: []string{"t4"}, wantOpened: []string{"/"}},
		{name: "no tag", action: "explore", wantOpened: []string{"/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &platform{}
			d := NewDispatcher(opts, p, p, testutil.NewLogger(t))
			require.NoError(t, d.OnNotificationClick(ctx, tt.action, tt.tag))
			assert.Equal(t, tt.wantDismissed, p.dismissed)
			assert.Equal(t, tt.wantOpened, p.opened)
		})
	}
}
