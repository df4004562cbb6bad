package secrets

import (
	"context"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const tokenResource = "projects/shop-test/secrets/backend_token/versions/latest"

func newTestFetcher(t *testing.T, client *stubSecretClient, opts ...Option) *Fetcher {
	t.Helper()
	base := []Option{WithSecretManagerClient(client), WithDefaultProject("shop-test"), WithFallbackFile("")}
	fetcher, err := NewFetcher(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	return fetcher
}

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveCachesRemoteValue(t *testing.T) {
	client := newStubSecretClient()
	client.set(tokenResource, "svc-token")
	fetcher := newTestFetcher(t, client)

	for i := 0; i < 3; i++ {
		got, err := fetcher.Resolve(context.Background(), "secret://backend_token")
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if got != "svc-token" {
			t.Fatalf("resolve %d: got %q", i, got)
		}
	}
	if n := client.calls(tokenResource); n != 1 {
		t.Fatalf("expected one remote call, got %d", n)
	}
}

func TestResolveExpiresCacheAndInvalidates(t *testing.T) {
	client := newStubSecretClient()
	client.set(tokenResource, "v1")
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	fetcher := newTestFetcher(t, client, WithCacheTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := fetcher.Resolve(ctx, "secret://backend_token"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	client.set(tokenResource, "v2")
	now = now.Add(59 * time.Second)
	if got, _ := fetcher.Resolve(ctx, "secret://backend_token"); got != "v1" {
		t.Fatalf("expected cached v1 inside ttl, got %q", got)
	}
	now = now.Add(time.Second)
	if got, _ := fetcher.Resolve(ctx, "secret://backend_token"); got != "v2" {
		t.Fatalf("expected v2 after ttl, got %q", got)
	}

	client.set(tokenResource, "v3")
	fetcher.Invalidate("secret://backend_token?version=latest")
	if got, _ := fetcher.Resolve(ctx, "secret://backend_token"); got != "v3" {
		t.Fatalf("expected v3 after invalidate, got %q", got)
	}
}

func TestResolveVersionSelection(t *testing.T) {
	client := newStubSecretClient()
	client.set("projects/shop-test/secrets/psp_stripe/versions/4", "global-pin")
	client.set("projects/shop-test/secrets/psp_stripe/versions/7", "env-pin")
	client.set("projects/shop-test/secrets/psp_stripe/versions/9", "explicit")

	global := newTestFetcher(t, client, WithEnvironment("staging"), WithVersionPins(map[string]string{
		"secret://psp/stripe": "4",
	}))
	if got, err := global.Resolve(context.Background(), "secret://psp/stripe"); err != nil || got != "global-pin" {
		t.Fatalf("expected global pin, got %q (%v)", got, err)
	}

	scoped := newTestFetcher(t, client, WithEnvironment("prod"), WithVersionPins(map[string]string{
		"secret://psp/stripe":      "4",
		"prod:secret://psp/stripe": "7",
	}))
	if got, err := scoped.Resolve(context.Background(), "secret://psp/stripe"); err != nil || got != "env-pin" {
		t.Fatalf("expected environment pin, got %q (%v)", got, err)
	}
	if got, err := scoped.Resolve(context.Background(), "secret://psp/stripe?version=9"); err != nil || got != "explicit" {
		t.Fatalf("expected explicit version, got %q (%v)", got, err)
	}
}

func TestResolveProjectMapAndOverride(t *testing.T) {
	client := newStubSecretClient()
	client.set("projects/shop-prod/secrets/backend_token/versions/latest", "prod")
	client.set("projects/ops/secrets/backend_token/versions/latest", "ops")

	fetcher := newTestFetcher(t, client, WithEnvironment("PROD"), WithProjectMap(map[string]string{"prod": "shop-prod"}))
	if got, _ := fetcher.Resolve(context.Background(), "secret://backend_token"); got != "prod" {
		t.Fatalf("expected environment project, got %q", got)
	}
	if got, _ := fetcher.Resolve(context.Background(), "secret://backend_token?project=ops"); got != "ops" {
		t.Fatalf("expected project override, got %q", got)
	}
}

func TestResolveFallsBackOnlyWhenRemoteUnavailable(t *testing.T) {
	path := writeFallback(t, "# local\nsm://backend_token=\"local-token\"\nsecret://psp/stripe?version=2=sk_pinned\nnot a line\n")

	client := newStubSecretClient()
	client.fail(tokenResource, status.Error(codes.Unavailable, "down"))
	fetcher := newTestFetcher(t, client, WithFallbackFile(path))
	if got, err := fetcher.Resolve(context.Background(), "secret://backend_token"); err != nil || got != "local-token" {
		t.Fatalf("expected fallback value, got %q (%v)", got, err)
	}

	missing := newStubSecretClient()
	missing.fail(tokenResource, status.Error(codes.NotFound, "gone"))
	strict := newTestFetcher(t, missing, WithFallbackFile(path))
	if _, err := strict.Resolve(context.Background(), "secret://backend_token"); status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected NotFound to surface, got %v", err)
	}
}

func TestResolveWithoutClientUsesPinnedFallback(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	path := writeFallback(t, "secret://psp/stripe?version=2=sk_pinned\n")
	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(path), WithDefaultProject("shop-test"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if got, err := fetcher.Resolve(context.Background(), "secret://psp/stripe?version=2"); err != nil || got != "sk_pinned" {
		t.Fatalf("expected pinned fallback, got %q (%v)", got, err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://psp/stripe"); err == nil {
		t.Fatalf("pinned line must not answer latest")
	}
}

func TestResolveRejectsChecksumMismatch(t *testing.T) {
	client := newStubSecretClient()
	client.set(tokenResource, "svc-token")
	bad := int64(crc32.Checksum([]byte("other"), castagnoli))
	client.checksums[tokenResource] = &bad

	fetcher := newTestFetcher(t, client)
	if _, err := fetcher.Resolve(context.Background(), "secret://backend_token"); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}

	good := int64(crc32.Checksum([]byte("svc-token"), castagnoli))
	client.checksums[tokenResource] = &good
	if got, err := fetcher.Resolve(context.Background(), "secret://backend_token"); err != nil || got != "svc-token" {
		t.Fatalf("expected verified value, got %q (%v)", got, err)
	}
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference(" secret://system/healthz?version=3&project=ops ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref.Canonical != "secret://system/healthz" || ref.Name != "system/healthz" || ref.Version != "3" || ref.Project != "ops" {
		t.Fatalf("unexpected reference %+v", ref)
	}
	if got := ref.resource("shop", "3"); got != "projects/shop/secrets/system_healthz/versions/3" {
		t.Fatalf("unexpected resource %s", got)
	}
	for _, raw := range []string{"", "https://x", "secret://"} {
		if _, err := ParseReference(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

type stubSecretClient struct {
	mu        sync.Mutex
	values    map[string]string
	errs      map[string]error
	checksums map[string]*int64
	counts    map[string]int
}

func newStubSecretClient() *stubSecretClient {
	return &stubSecretClient{
		values:    map[string]string{},
		errs:      map[string]error{},
		checksums: map[string]*int64{},
		counts:    map[string]int{},
	}
}

func (s *stubSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetName()
	s.counts[name]++
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	value, ok := s.values[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    name,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value), DataCrc32C: s.checksums[name]},
	}, nil
}

func (s *stubSecretClient) Close() error { return nil }

func (s *stubSecretClient) set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

func (s *stubSecretClient) fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[name] = err
}

func (s *stubSecretClient) calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}
