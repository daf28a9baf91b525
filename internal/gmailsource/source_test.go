package gmailsource

import (
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/gmig/gmig/internal/label"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func rawMessage(id, body string, labelIDs []string) *gmail.Message {
	return &gmail.Message{
		Id:       id,
		Raw:      base64.URLEncoding.EncodeToString([]byte(body)),
		LabelIds: labelIDs,
	}
}

// fakeAPI is a scriptable stand-in for the Gmail REST surface, in the
// spirit of danmarg-outtake's testService (lib/gmail/gmail_test.go).
type fakeAPI struct {
	labels   *gmail.ListLabelsResponse
	messages map[string]*gmail.Message
	// rateLimitedUntilAttempt, if set for an id, makes GetRaw return 429
	// on every attempt number strictly less than the value.
	rateLimitedUntilAttempt map[string]int
	attempts                map[string]int
}

func (f *fakeAPI) ListLabels() (*gmail.ListLabelsResponse, error) { return f.labels, nil }

func (f *fakeAPI) ListMessages(labelID, page string) (*gmail.ListMessagesResponse, error) {
	return &gmail.ListMessagesResponse{}, nil
}

func (f *fakeAPI) GetRaw(id string) (*gmail.Message, error) {
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[id]++
	if limit, ok := f.rateLimitedUntilAttempt[id]; ok && f.attempts[id] < limit {
		return nil, &googleapi.Error{Code: 429, Message: "rate limited"}
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, &googleapi.Error{Code: 404, Message: "not found"}
	}
	return m, nil
}

func TestDeriveFlags(t *testing.T) {
	cases := []struct {
		labels []string
		want   []label.Flag
	}{
		{[]string{"INBOX", "STARRED"}, []label.Flag{label.Seen, label.Flagged}},
		{[]string{"INBOX", "UNREAD"}, nil},
		{[]string{"INBOX"}, []label.Flag{label.Seen}},
	}
	for _, c := range cases {
		got := deriveFlags(c.labels)
		if len(got) != len(c.want) {
			t.Fatalf("deriveFlags(%v) = %v, want %v", c.labels, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("deriveFlags(%v) = %v, want %v", c.labels, got, c.want)
			}
		}
	}
}

// TestFetchBatchSurvivesRateLimit checks that a mock source which 429s
// the first attempt for each ref and succeeds thereafter must still
// return the full requested set with zero lost ids.
func TestFetchBatchSurvivesRateLimit(t *testing.T) {
	api := &fakeAPI{
		messages: map[string]*gmail.Message{
			"a": rawMessage("a", "From: a@x.com\r\n\r\nbody", []string{"INBOX"}),
			"b": rawMessage("b", "From: b@x.com\r\n\r\nbody", []string{"INBOX"}),
		},
		rateLimitedUntilAttempt: map[string]int{"a": 2, "b": 2},
	}
	s := newWithAPI(api, testLogger())
	defer s.limiter.Stop()
	s.sleep = func(time.Duration) {} // keep the backoff curve from slowing down the suite

	got := s.FetchBatch([]label.Ref{"a", "b"})
	if len(got) != 2 {
		t.Fatalf("FetchBatch returned %d messages, want 2 (lost: %v)", len(got), got)
	}
	if _, ok := got["a"]; !ok {
		t.Error("missing ref a")
	}
	if _, ok := got["b"]; !ok {
		t.Error("missing ref b")
	}
}

// TestFetchBatchSkipsPermanentErrors exercises the §9 open question: a
// message id that no longer exists is a permanent per-message error,
// silently omitted from the result.
func TestFetchBatchSkipsPermanentErrors(t *testing.T) {
	api := &fakeAPI{
		messages: map[string]*gmail.Message{
			"a": rawMessage("a", "From: a@x.com\r\n\r\nbody", []string{"INBOX"}),
		},
	}
	s := newWithAPI(api, testLogger())
	defer s.limiter.Stop()

	got := s.FetchBatch([]label.Ref{"a", "gone"})
	if len(got) != 1 {
		t.Fatalf("FetchBatch returned %d messages, want 1", len(got))
	}
	if _, ok := got["gone"]; ok {
		t.Fatal("a permanently-missing id should never appear in the result")
	}
}
