package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/repository/memory"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.EngagementEvent
}

func (c *capturePublisher) Publish(_ context.Context, evt domain.EngagementEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func seed(t *testing.T) (*memory.Store, *Service, *capturePublisher, *clock.Fixed) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.CreateMessageLog(ctx, &domain.MessageLog{
		ID: "log-1", CampaignID: "c1", EnrollmentID: "e1", MemberID: "m1",
		Channel: domain.ChannelEmail, Status: domain.MessageSent,
	}))
	require.NoError(t, st.CreateTokens(ctx, []domain.TrackingToken{
		{Token: "open-1", MessageLogID: "log-1", Type: domain.TokenOpen},
		{Token: "click-1", MessageLogID: "log-1", Type: domain.TokenClick, TargetURL: "https://club.test/offer"},
	}))
	pub := &capturePublisher{}
	clk := clock.NewFixed(t0)
	return st, NewService(st, st, pub, clk), pub, clk
}

func TestTrackOpenIsIdempotent(t *testing.T) {
	st, svc, pub, clk := seed(t)
	ctx := context.Background()

	first := svc.TrackOpen(ctx, "open-1", "ua-1", "10.0.0.1")
	clk.Advance(time.Hour)
	second := svc.TrackOpen(ctx, "open-1", "ua-2", "10.0.0.2")
	assert.Equal(t, first, second)
	assert.Equal(t, pixelGIF, first)

	m, err := st.GetMessageLog(ctx, "log-1")
	require.NoError(t, err)
	require.NotNil(t, m.OpenedAt)
	assert.True(t, m.OpenedAt.Equal(t0))

	tok, err := st.GetToken(ctx, "open-1")
	require.NoError(t, err)
	assert.True(t, tok.Triggered)
	assert.Equal(t, "ua-1", tok.UserAgent)
	assert.Equal(t, "10.0.0.1", tok.IPAddress)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.TokenOpen, pub.events[0].Type)
	assert.Equal(t, "m1", pub.events[0].MemberID)
}

func TestTrackOpenUnknownTokens(t *testing.T) {
	_, svc, pub, _ := seed(t)
	ctx := context.Background()

	assert.Equal(t, pixelGIF, svc.TrackOpen(ctx, "nope", "", ""))
	assert.Equal(t, pixelGIF, svc.TrackOpen(ctx, "click-1", "", ""), "click token used as pixel")
	assert.Equal(t, pixelGIF, svc.TrackOpen(ctx, "", "", ""))
	assert.Empty(t, pub.events)
}

func TestTrackClick(t *testing.T) {
	st, svc, pub, _ := seed(t)
	ctx := context.Background()

	target, ok := svc.TrackClick(ctx, "click-1", "ua", "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "https://club.test/offer", target)

	again, ok := svc.TrackClick(ctx, "click-1", "ua", "10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, target, again)

	m, _ := st.GetMessageLog(ctx, "log-1")
	assert.NotNil(t, m.ClickedAt)
	assert.NotNil(t, m.OpenedAt, "a click implies an open")
	require.Len(t, pub.events, 1)
	assert.Equal(t, "https://club.test/offer", pub.events[0].TargetURL)

	_, ok = svc.TrackClick(ctx, "missing", "", "")
	assert.False(t, ok)
	_, ok = svc.TrackClick(ctx, "open-1", "", "")
	assert.False(t, ok)
}

func TestConcurrentOpensRecordOnce(t *testing.T) {
	_, svc, pub, _ := seed(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.TrackOpen(context.Background(), "open-1", "ua", "ip")
		}()
	}
	wg.Wait()
	assert.Len(t, pub.events, 1)
}

func newRouter(svc *Service, fallback string) http.Handler {
	r := chi.NewRouter()
	r.Mount("/t", NewHandler(svc, fallback).Routes())
	return r
}

func TestOpenEndpointAlwaysServesPixel(t *testing.T) {
	_, svc, _, _ := seed(t)
	h := newRouter(svc, "")

	for _, path := range []string{"/t/o/open-1", "/t/o/open-1", "/t/o/garbage"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"), path)
		assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
		assert.True(t, bytes.Equal(pixelGIF, rec.Body.Bytes()), path)
	}
}

func TestClickEndpoint(t *testing.T) {
	_, svc, _, _ := seed(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t/c/click-1", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	newRouter(svc, "https://club.test").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://club.test/offer", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	newRouter(svc, "https://club.test").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/c/unknown", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://club.test", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	newRouter(svc, "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/c/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", realIP(req), "port is stripped")
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", realIP(req))
	req.RemoteAddr = "192.0.2.1"
	assert.Equal(t, "192.0.2.1", realIP(req), "address without port is kept")
	req.Header.Set("X-Real-Ip", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", realIP(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", realIP(req))
}

func TestOpenEndpointStoresHostOnly(t *testing.T) {
	st, svc, _, _ := seed(t)

	req := httptest.NewRequest(http.MethodGet, "/t/o/open-1", nil)
	req.RemoteAddr = "192.0.2.1:52344"
	newRouter(svc, "").ServeHTTP(httptest.NewRecorder(), req)

	tok, err := st.GetToken(context.Background(), "open-1")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", tok.IPAddress)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisPublisher(client, "")
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, domain.EngagementEvent{Type: domain.TokenOpen, MessageLogID: "log-1", OccurredAt: t0}))

	msgs, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "OPEN", msgs[0].Values["type"])

	var evt domain.EngagementEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["event"].(string)), &evt))
	assert.Equal(t, "log-1", evt.MessageLogID)
}

type fakeSQS struct {
	mu      sync.Mutex
	sent    []string
	inbox   []sqstypes.Message
	deleted []string
	sendErr error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: f.inbox}
	f.inbox = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSPublisher(t *testing.T) {
	api := &fakeSQS{}
	pub := NewSQSPublisher(api, "https://sqs.local/queue")
	require.NoError(t, pub.Publish(context.Background(), domain.EngagementEvent{Type: domain.TokenClick, MemberID: "m1"}))
	require.Len(t, api.sent, 1)
	assert.Contains(t, api.sent[0], `"member_id":"m1"`)

	api.sendErr = errors.New("throttled")
	assert.ErrorContains(t, pub.Publish(context.Background(), domain.EngagementEvent{}), "throttled")
}

func TestMultiPublisherTriesAll(t *testing.T) {
	a, b := &capturePublisher{}, &capturePublisher{}
	failing := NewSQSPublisher(&fakeSQS{sendErr: errors.New("down")}, "q")
	err := MultiPublisher{a, failing, b}.Publish(context.Background(), domain.EngagementEvent{})
	assert.Error(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestConsumerReceiveOnce(t *testing.T) {
	good, _ := json.Marshal(domain.EngagementEvent{Type: domain.TokenOpen, MemberID: "m1"})
	retry, _ := json.Marshal(domain.EngagementEvent{Type: domain.TokenClick, MemberID: "m2"})
	api := &fakeSQS{inbox: []sqstypes.Message{
		{Body: aws.String(string(good)), ReceiptHandle: aws.String("h1")},
		{Body: aws.String("not json"), ReceiptHandle: aws.String("h2")},
		{Body: aws.String(string(retry)), ReceiptHandle: aws.String("h3")},
	}}

	var handled []string
	c := NewConsumer(api, "q", func(_ context.Context, evt domain.EngagementEvent) error {
		handled = append(handled, evt.MemberID)
		if evt.MemberID == "m2" {
			return errors.New("scoring unavailable")
		}
		return nil
	})
	require.NoError(t, c.receiveOnce(context.Background(), 0))

	assert.Equal(t, []string{"m1", "m2"}, handled)
	assert.Equal(t, []string{"h1", "h2"}, api.deleted, "failed events stay queued")
}

func TestDetectDevice(t *testing.T) {
	assert.Equal(t, "mobile", DetectDevice("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"))
	assert.Equal(t, "tablet", DetectDevice("Mozilla/5.0 (iPad; CPU OS 17_0)"))
	assert.Equal(t, "desktop", DetectDevice("Mozilla/5.0 (Windows NT 10.0)"))
}
