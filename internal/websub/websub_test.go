package websub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
)

const notification = `<?xml version='1.0' encoding='UTF-8'?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
  <link rel="hub" href="https://pubsubhubbub.appspot.com"/>
  <link rel="self" href="https://www.youtube.com/xml/feeds/videos.xml?channel_id=UCgrace"/>
  <title>YouTube video feed</title>
  <updated>2024-03-03T18:05:00+00:00</updated>
  <entry>
    <id>yt:video:abc123</id>
    <yt:videoId>abc123</yt:videoId>
    <yt:channelId>UCgrace</yt:channelId>
    <title>Sunday Service - March 3</title>
    <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
    <author>
      <name>Grace Chapel</name>
      <uri>https://www.youtube.com/channel/UCgrace</uri>
    </author>
    <published>2024-03-03T18:00:00+00:00</published>
    <updated>2024-03-03T18:05:00+00:00</updated>
  </entry>
</feed>`

const tombstone = `<?xml version='1.0' encoding='UTF-8'?>
<feed xmlns:at="http://purl.org/atompub/tombstones/1.0" xmlns="http://www.w3.org/2005/Atom">
  <at:deleted-entry ref="yt:video:abc123" when="2024-03-04T10:00:00+00:00"/>
</feed>`

type fakeStore struct {
	mu     sync.Mutex
	agents map[string]models.Agent
	subs   map[string]models.Subscription
	videos map[string]models.Video
	writes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents: map[string]models.Agent{
			"UCgrace":  {ID: "a1", ChannelID: "UCgrace", Status: models.AgentActive},
			"UCpaused": {ID: "a2", ChannelID: "UCpaused", Status: models.AgentPaused},
		},
		subs:   map[string]models.Subscription{},
		videos: map[string]models.Video{},
	}
}

func (f *fakeStore) AgentByChannel(_ context.Context, channelID string) (models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[channelID]
	if !ok {
		return models.Agent{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) SetSubscription(_ context.Context, agentID string, sub models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.subs[agentID] = sub
	return nil
}

func (f *fakeStore) UpsertVideo(_ context.Context, v models.Video) (models.Video, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := v.AgentID + "|" + v.ExternalID
	if existing, ok := f.videos[key]; ok {
		return existing, false, nil
	}
	v.ID = "vid-" + v.ExternalID
	v.Status = models.VideoDiscovered
	f.videos[key] = v
	return v, true, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	inflight map[string]bool
	requests []queue.EnqueueRequest
}

func (q *fakeQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == nil {
		q.inflight = map[string]bool{}
	}
	if q.inflight[req.DedupKey] {
		return queue.EnqueueResult{}, nil
	}
	q.inflight[req.DedupKey] = true
	q.requests = append(q.requests, req)
	return queue.EnqueueResult{JobID: "job-1", Accepted: true}, nil
}

func testConfig(hubURL string) config.Config {
	return config.Config{
		WebSubHubURL:         hubURL,
		WebSubCallbackURL:    "https://media.example.org/webhooks/youtube",
		WebSubSecret:         "s3cret",
		WebSubLeaseSeconds:   86400,
		WebSubRenewalBuffer:  time.Hour,
		WebSubRenewLookahead: 24 * time.Hour,
	}
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestChannelFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{TopicURL("UCgrace"), "UCgrace", true},
		{"http://www.youtube.com/xml/feeds/videos.xml?channel_id=UC_x-1", "UC_x-1", true},
		{"https://evil.example.com/xml/feeds/videos.xml?channel_id=UCgrace", "", false},
		{"https://www.youtube.com/feeds/other.xml?channel_id=UCgrace", "", false},
		{"https://www.youtube.com/xml/feeds/videos.xml", "", false},
		{"https://www.youtube.com/xml/feeds/videos.xml?channel_id=bad%20id", "", false},
		{"::not a url", "", false},
	}
	for _, tt := range tests {
		got, ok := ChannelFromTopic(tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.want, got, tt.topic)
	}
}

func TestVerifyIntentRecordsLease(t *testing.T) {
	st := newFakeStore()
	v := NewVerifier(testConfig(""), st, logger.NewNop())
	v.now = func() time.Time { return fixedNow }

	challenge, err := v.VerifyIntent(context.Background(), Intent{
		Mode: ModeSubscribe, Topic: TopicURL("UCgrace"), Challenge: "c-123", LeaseSeconds: 432000,
	})
	require.NoError(t, err)
	assert.Equal(t, "c-123", challenge)

	sub := st.subs["a1"]
	assert.Equal(t, models.SubscriptionSubscribed, sub.Status)
	assert.Equal(t, 432000, sub.LeaseSeconds)
	require.NotNil(t, sub.ExpiresAt)
	assert.Equal(t, fixedNow.Add(5*24*time.Hour-time.Hour), *sub.ExpiresAt)

	_, err = v.VerifyIntent(context.Background(), Intent{Mode: ModeUnsubscribe, Topic: TopicURL("UCgrace"), Challenge: "c-456"})
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionExpired, st.subs["a1"].Status)
	assert.Nil(t, st.subs["a1"].ExpiresAt)
}

func TestVerifyIntentRejectsForeignRequests(t *testing.T) {
	st := newFakeStore()
	v := NewVerifier(testConfig(""), st, logger.NewNop())

	for name, in := range map[string]Intent{
		"mode":      {Mode: "denied", Topic: TopicURL("UCgrace"), Challenge: "c"},
		"challenge": {Mode: ModeSubscribe, Topic: TopicURL("UCgrace")},
		"topic":     {Mode: ModeSubscribe, Topic: "https://example.com/feed", Challenge: "c"},
		"channel":   {Mode: ModeSubscribe, Topic: TopicURL("UCunknown"), Challenge: "c"},
	} {
		_, err := v.VerifyIntent(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidIntent, name)
	}
	assert.Zero(t, st.writes)
}

func TestLeaseExpiryKeepsHalfWhenBufferTooLarge(t *testing.T) {
	assert.Equal(t, fixedNow.Add(30*time.Minute), leaseExpiry(fixedNow, 3600, 2*time.Hour))
	assert.Equal(t, fixedNow.Add(59*time.Minute), leaseExpiry(fixedNow, 3600, time.Minute))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(notification)
	good := Sign("s3cret", body)

	tests := []struct {
		name       string
		secret     string
		header     string
		production bool
		want       error
	}{
		{"valid", "s3cret", good, true, nil},
		{"uppercase algo", "s3cret", "SHA1=" + good[len("sha1="):], true, nil},
		{"wrong secret", "other", good, true, ErrBadSignature},
		{"tampered", "s3cret", Sign("s3cret", []byte("x")), false, ErrBadSignature},
		{"sha256 header", "s3cret", "sha256=abcd", true, ErrBadSignature},
		{"not hex", "s3cret", "sha1=zz", true, ErrBadSignature},
		{"unsigned in production", "s3cret", "", true, ErrMissingSignature},
		{"unsigned in development", "s3cret", "", false, nil},
		{"no secret in development", "", good, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.secret, body, tt.header, tt.production)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseNotification(t *testing.T) {
	entries, err := ParseNotification([]byte(notification))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "abc123", e.VideoID)
	assert.Equal(t, "UCgrace", e.ChannelID)
	assert.Equal(t, "Sunday Service - March 3", e.Title)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", e.URL)
	require.NotNil(t, e.PublishedAt)
	assert.True(t, e.PublishedAt.Equal(time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC)))

	entries, err = ParseNotification([]byte(tombstone))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = ParseNotification([]byte("not xml"))
	assert.Error(t, err)
}

func TestIntakeEnqueuesNewVideoOnce(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	in := NewIntake(st, q, logger.NewNop())

	n, err := in.Process(context.Background(), []byte(notification))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = in.Process(context.Background(), []byte(notification))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, q.requests, 1)
	req := q.requests[0]
	assert.Equal(t, models.KindProcessVideo, req.Kind)
	assert.Equal(t, "high", req.Priority)
	assert.Equal(t, "video:a1:abc123", req.DedupKey)
	assert.Empty(t, req.Tag)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", st.videos["a1|abc123"].URL)
}

func TestIntakeSkipsInactiveAndProcessedVideos(t *testing.T) {
	st := newFakeStore()
	st.agents["UCgrace"] = models.Agent{ID: "a1", ChannelID: "UCgrace", Status: models.AgentDisabled}
	q := &fakeQueue{}
	in := NewIntake(st, q, logger.NewNop())

	n, err := in.Process(context.Background(), []byte(notification))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, st.videos)

	st.agents["UCgrace"] = models.Agent{ID: "a1", ChannelID: "UCgrace", Status: models.AgentActive}
	st.videos["a1|abc123"] = models.Video{ID: "v1", AgentID: "a1", ExternalID: "abc123", Status: models.VideoProcessed}
	n, err = in.Process(context.Background(), []byte(notification))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.requests)
}

func TestIntakeSubmitDrains(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	in := NewIntake(st, q, logger.NewNop())

	in.Submit([]byte(notification))
	in.Submit([]byte(tombstone))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, in.Wait(ctx))
	assert.Len(t, q.requests, 1)
}

func TestClientSubscribePostsForm(t *testing.T) {
	var method, contentType string
	var form map[string][]string
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		method, contentType = r.Method, r.Header.Get("Content-Type")
		form = r.PostForm
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hub.Close()

	st := newFakeStore()
	c := NewClient(testConfig(hub.URL), st, logger.NewNop())
	c.now = func() time.Time { return fixedNow }
	agent := models.Agent{ID: "a1", ChannelID: "UCgrace"}

	require.NoError(t, c.Subscribe(context.Background(), agent))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Equal(t, []string{"subscribe"}, form["hub.mode"])
	assert.Equal(t, []string{TopicURL("UCgrace")}, form["hub.topic"])
	assert.Equal(t, []string{"https://media.example.org/webhooks/youtube"}, form["hub.callback"])
	assert.Equal(t, []string{"86400"}, form["hub.lease_seconds"])
	assert.Equal(t, []string{"s3cret"}, form["hub.secret"])

	sub := st.subs["a1"]
	assert.Equal(t, models.SubscriptionSubscribed, sub.Status)
	require.NotNil(t, sub.ExpiresAt)
	assert.Equal(t, fixedNow.Add(23*time.Hour), *sub.ExpiresAt)

	require.NoError(t, c.Unsubscribe(context.Background(), agent))
	assert.Equal(t, []string{"unsubscribe"}, form["hub.mode"])
	assert.Empty(t, form["hub.secret"])
	assert.Equal(t, models.SubscriptionExpired, st.subs["a1"].Status)
}

func TestClientMarksRejectedSubscription(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad topic", http.StatusBadRequest)
	}))
	defer hub.Close()

	st := newFakeStore()
	c := NewClient(testConfig(hub.URL), st, logger.NewNop())

	err := c.Subscribe(context.Background(), models.Agent{ID: "a1", ChannelID: "UCgrace"})
	assert.ErrorIs(t, err, ErrHubRejected)
	assert.Equal(t, models.SubscriptionError, st.subs["a1"].Status)
}

type fakeDue struct {
	agents []models.Agent
	before time.Time
}

func (f *fakeDue) SubscriptionsDue(_ context.Context, before time.Time) ([]models.Agent, error) {
	f.before = before
	return f.agents, nil
}

type fakeHub struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeHub) Subscribe(_ context.Context, agent models.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agent.ID)
	if f.fail[agent.ID] {
		return ErrHubRejected
	}
	return nil
}

func (f *fakeHub) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestRenewerSweepContinuesPastFailures(t *testing.T) {
	due := &fakeDue{agents: []models.Agent{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}}}
	hub := &fakeHub{fail: map[string]bool{"a2": true}}
	r := NewRenewer(testConfig(""), due, hub, logger.NewNop())
	r.now = func() time.Time { return fixedNow }

	renewed, failed, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, renewed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"a1", "a2", "a3"}, hub.callsSnapshot())
	assert.Equal(t, fixedNow.Add(24*time.Hour), due.before)
}

func TestRenewerRejectsBadSchedule(t *testing.T) {
	cfg := testConfig("")
	cfg.WebSubRenewSchedule = "every so often"
	r := NewRenewer(cfg, &fakeDue{}, &fakeHub{}, logger.NewNop())
	assert.Error(t, r.Run(context.Background()))
}

func TestRenewerRunStopsWithContext(t *testing.T) {
	hub := &fakeHub{}
	r := NewRenewer(testConfig(""), &fakeDue{agents: []models.Agent{{ID: "a1"}}}, hub, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(hub.callsSnapshot()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("renewer did not stop")
	}
}
