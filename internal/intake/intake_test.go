package intake

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) (*Handler, queuestore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.API.WebhookSecrets = map[string]string{"gitea": "s3cret", "github": "s3cret"}
	cfg.API.RateLimitPerSec = 0 // disabled for deterministic tests

	queue := queuestore.NewMemStore()
	status := statusstore.NewRedisStore(client)
	log, _ := zap.NewDevelopment()
	return NewHandler(cfg, queue, status, log), queue
}

func TestHandleTriggerEnqueuesJob(t *testing.T) {
	h, _ := newTestHandler(t)

	body := bytes.NewBufferString(`{"repo":"example/repo","branch":"main","commit":"abc123"}`)
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	rec := httptest.NewRecorder()

	h.HandleTrigger(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatal(err)
	}
	if j.Repo != "example/repo" || j.Branch != "main" || j.Status != job.StatusPending {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestHandleTriggerRejectsMissingFields(t *testing.T) {
	h, _ := newTestHandler(t)

	body := bytes.NewBufferString(`{"branch":"main"}`)
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	rec := httptest.NewRecorder()

	h.HandleTrigger(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWebhookGiteaValidSignature(t *testing.T) {
	h, _ := newTestHandler(t)

	payload := []byte(`{"ref":"refs/heads/main","after":"deadbeef","repository":{"full_name":"example/repo"}}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(payload))
	req.Header.Set("X-Gitea-Signature", sig)
	rec := httptest.NewRecorder()

	h.HandleWebhook("gitea")(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatal(err)
	}
	if j.Branch != "main" || j.Commit != "deadbeef" || j.Repo != "example/repo" {
		t.Fatalf("unexpected mapped job: %+v", j)
	}
}

func TestHandleWebhookGithubInvalidSignatureRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	payload := []byte(`{"ref":"refs/heads/main","after":"deadbeef","repository":{"full_name":"example/repo"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", "sha256=notarealsignature")
	rec := httptest.NewRecorder()

	h.HandleWebhook("github")(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleWebhookMissingSignatureHeaderRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	payload := []byte(`{"ref":"refs/heads/main","after":"deadbeef","repository":{"full_name":"example/repo"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.HandleWebhook("gitea")(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when a secret is configured but no signature header is sent, got %d", rec.Code)
	}
}

func TestHandleWebhookMalformedBodyRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	payload := []byte(`not json`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(payload))
	req.Header.Set("X-Gitea-Signature", sig)
	rec := httptest.NewRecorder()

	h.HandleWebhook("gitea")(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
