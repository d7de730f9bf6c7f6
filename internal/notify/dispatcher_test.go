package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/notify"
	"redub/internal/testsupport"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	dispatcher := notify.NewDispatcher(cfg, logging.NewNop())

	mine, cancelMine := dispatcher.Subscribe("job-1")
	defer cancelMine()
	all, cancelAll := dispatcher.Subscribe(notify.TopicAll)
	defer cancelAll()
	other, cancelOther := dispatcher.Subscribe("job-2")
	defer cancelOther()

	job := testsupport.NewJob("job-1")
	job.Status = jobs.StatusDownloading
	dispatcher.Notify(context.Background(), job, notify.EventStatusChanged)

	for name, ch := range map[string]<-chan notify.Payload{"job topic": mine, "all topic": all} {
		select {
		case payload := <-ch:
			if payload.JobID != "job-1" || payload.Status != jobs.StatusDownloading {
				t.Errorf("%s payload = %+v", name, payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s received nothing", name)
		}
	}

	select {
	case payload := <-other:
		t.Errorf("unrelated subscriber received %+v", payload)
	default:
	}
}

func TestWebhookDeliveryUsesPerJobSink(t *testing.T) {
	var mu sync.Mutex
	var received []notify.Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload notify.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	dispatcher := notify.NewDispatcher(cfg, logging.NewNop())
	dispatcher.RegisterSink("job-1", server.URL)

	job := testsupport.NewJob("job-1")
	job.Status = jobs.StatusCompleted
	job.Progress = 1.0
	dispatcher.Notify(context.Background(), job, notify.EventJobCompleted)
	dispatcher.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("webhook deliveries = %d, want 1", len(received))
	}
	if received[0].Event != notify.EventJobCompleted || received[0].Progress != 1.0 {
		t.Errorf("payload = %+v", received[0])
	}
}

func TestWebhookFailureNeverPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.MaxAttempts = 1
	dispatcher := notify.NewDispatcher(cfg, logging.NewNop())
	dispatcher.RegisterSink("job-1", server.URL)

	// Notify must return immediately and Close must not hang on the failure.
	dispatcher.Notify(context.Background(), testsupport.NewJob("job-1"), notify.EventStatusChanged)
	dispatcher.Close()
}

func TestUnregisteredSinkFallsBackToDefault(t *testing.T) {
	hits := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL
	dispatcher := notify.NewDispatcher(cfg, logging.NewNop())

	dispatcher.Notify(context.Background(), testsupport.NewJob("job-1"), notify.EventStatusChanged)
	dispatcher.Close()

	select {
	case <-hits:
	default:
		t.Fatal("default sink not used")
	}
}

func TestKindForStatus(t *testing.T) {
	cases := map[jobs.Status]notify.EventKind{
		jobs.StatusCompleted:   notify.EventJobCompleted,
		jobs.StatusFailed:      notify.EventJobFailed,
		jobs.StatusCancelled:   notify.EventJobCancelled,
		jobs.StatusDownloading: notify.EventStatusChanged,
		jobs.StatusPending:     notify.EventStatusChanged,
	}
	for status, want := range cases {
		if got := notify.KindForStatus(status); got != want {
			t.Errorf("KindForStatus(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestCancelClosesSubscriberChannel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	dispatcher := notify.NewDispatcher(cfg, logging.NewNop())

	ch, cancel := dispatcher.Subscribe("job-1")
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel, got a payload")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// A second cancel is a no-op rather than a double close.
	cancel()
}

func TestPrunedSubscriberChannelIsClosed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	dispatcher := notify.NewDispatcher(cfg, logging.NewNop())

	ch, cancelSub := dispatcher.Subscribe("job-1")
	defer cancelSub()

	// Never drain: once the buffer is full the next delivery prunes the
	// subscriber and a consumer ranging over the channel must unblock.
	job := testsupport.NewJob("job-1")
	for i := 0; i < 32; i++ {
		dispatcher.Notify(context.Background(), job, notify.EventStatusChanged)
	}
	dispatcher.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("pruned subscriber channel never closed")
		}
	}
}
