package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/faceauth/internal/biometric"
	"github.com/example/faceauth/internal/events"
	"github.com/example/faceauth/internal/extractor"
	"github.com/example/faceauth/internal/imagecodec"
	"github.com/example/faceauth/internal/repository"
)

// stubDecoder treats the encoded string as the image payload. Strings
// starting with "bad" fail to decode.
type stubDecoder struct{}

func (stubDecoder) Decode(encoded string) (*imagecodec.Image, error) {
	if strings.HasPrefix(encoded, "bad") {
		return nil, imagecodec.ErrMalformed
	}
	return &imagecodec.Image{MediaType: "image/png", Data: []byte(encoded)}, nil
}

type stubExtractor struct {
	mu    sync.Mutex
	faces map[string][]biometric.SignatureVector
	err   error
	block bool
	calls int
}

func (s *stubExtractor) Extract(ctx context.Context, img *imagecodec.Image) ([]biometric.SignatureVector, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.faces[string(img.Data)], nil
}

type stubIdentityStore struct {
	mu        sync.Mutex
	records   map[string]*repository.Identity
	findErr   error
	findCalls int
}

func newStubIdentityStore() *stubIdentityStore {
	return &stubIdentityStore{records: map[string]*repository.Identity{}}
}

func (s *stubIdentityStore) Create(ctx context.Context, requestID string, identity *repository.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[identity.Username]; ok {
		return repository.ErrDuplicateUsername
	}
	s.records[identity.Username] = identity
	return nil
}

func (s *stubIdentityStore) FindByUsername(ctx context.Context, requestID, username string) (*repository.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	identity, ok := s.records[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return identity, nil
}

type stubAttemptLog struct {
	saved   []*repository.AuthAttempt
	saveErr error
	findLog *repository.AuthAttempt
	findErr error
	calls   int
	agg     *repository.MetricsAggregation
}

func (s *stubAttemptLog) SaveAttempt(ctx context.Context, attempt *repository.AuthAttempt) error {
	s.saved = append(s.saved, attempt)
	return s.saveErr
}

func (s *stubAttemptLog) FindByRequestIDAndUser(ctx context.Context, requestID, username string) (*repository.AuthAttempt, error) {
	s.calls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubAttemptLog) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value.(string))
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubTokens struct{ issued []string }

func (s *stubTokens) Issue(username string) (string, error) {
	s.issued = append(s.issued, username)
	return "token-for-" + username, nil
}

type stubPublisher struct {
	events []events.Event
	err    error
}

func (s *stubPublisher) Publish(ctx context.Context, event events.Event) error {
	s.events = append(s.events, event)
	return s.err
}

type plainHasher struct{}

func (plainHasher) Hash(secret string) (string, error) { return "hashed:" + secret, nil }

type fixture struct {
	store     *stubIdentityStore
	attempts  *stubAttemptLog
	extractor *stubExtractor
	cache     *stubCache
	tokens    *stubTokens
	publisher *stubPublisher
}

func newFixture() *fixture {
	return &fixture{
		store:     newStubIdentityStore(),
		attempts:  &stubAttemptLog{},
		extractor: &stubExtractor{faces: map[string][]biometric.SignatureVector{}},
		cache:     &stubCache{},
		tokens:    &stubTokens{},
		publisher: &stubPublisher{},
	}
}

func (f *fixture) service(opts ...Option) *AuthService {
	base := []Option{
		WithDecoder(stubDecoder{}),
		WithHasher(plainHasher{}),
		WithCache(f.cache, time.Minute),
		WithTokens(f.tokens),
		WithPublisher(f.publisher),
	}
	return NewAuthService(f.store, f.attempts, f.extractor, zap.NewNop(), append(base, opts...)...)
}

func TestEnrollThenVerify(t *testing.T) {
	f := newFixture()
	f.extractor.faces["front"] = []biometric.SignatureVector{{0, 0}}
	f.extractor.faces["side"] = []biometric.SignatureVector{{2, 0}}
	f.extractor.faces["live"] = []biometric.SignatureVector{{1, 0.5}}
	svc := f.service(WithThreshold(0.6))

	enrolled, err := svc.Enroll(context.Background(), EnrollRequest{Username: "alice", Credential: "pw", Images: []string{"front", "side"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !enrolled.Success || enrolled.Reason != ReasonOK {
		t.Fatalf("expected successful enrollment, got %+v", enrolled)
	}
	stored := f.store.records["alice"]
	if got := []float64(stored.Template); len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Fatalf("expected template [1 0], got %v", got)
	}
	if stored.CredentialHash != "hashed:pw" {
		t.Fatalf("expected hashed credential, got %q", stored.CredentialHash)
	}

	verified, err := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verified.Success {
		t.Fatalf("expected acceptance, got %+v", verified)
	}
	if verified.Distance == nil || *verified.Distance != 0.5 {
		t.Fatalf("expected distance 0.5, got %v", verified.Distance)
	}
	if verified.Decision != biometric.DecisionMatch {
		t.Fatalf("expected match decision, got %q", verified.Decision)
	}
	if verified.Token != "token-for-alice" {
		t.Fatalf("expected token for alice, got %q", verified.Token)
	}

	strict := f.service(WithThreshold(0.4))
	rejected, err := strict.Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rejected.Success || rejected.Reason != ReasonNoMatch {
		t.Fatalf("expected no_match at threshold 0.4, got %+v", rejected)
	}
	if rejected.Token != "" {
		t.Fatal("rejected verification must not carry a token")
	}
	if rejected.Decision != biometric.DecisionDistanceExceeded {
		t.Fatalf("expected distance exceeded decision, got %q", rejected.Decision)
	}
	if rejected.Message != ReasonUnknownUser.Message("verify") {
		t.Fatalf("no_match and unknown_user should share a message, got %q", rejected.Message)
	}
}

func TestEnrollNoFaceDetected(t *testing.T) {
	f := newFixture()
	svc := f.service()

	res, err := svc.Enroll(context.Background(), EnrollRequest{Username: "bob", Credential: "pw", Images: []string{"blank", "wall"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Reason != ReasonNoFaceDetected {
		t.Fatalf("expected no_face_detected, got %+v", res)
	}
	if len(f.store.records) != 0 {
		t.Fatalf("expected no template to be stored, got %d", len(f.store.records))
	}
}

func TestEnrollSkipsImagesWithoutFaces(t *testing.T) {
	f := newFixture()
	f.extractor.faces["a"] = []biometric.SignatureVector{{1, 3}}
	f.extractor.faces["b"] = []biometric.SignatureVector{{3, 1}}
	svc := f.service(WithWorkers(2))

	res, err := svc.Enroll(context.Background(), EnrollRequest{Username: "carol", Credential: "pw", Images: []string{"a", "blank", "b", "wall"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := []float64(f.store.records["carol"].Template); got[0] != 2 || got[1] != 2 {
		t.Fatalf("expected template [2 2], got %v", got)
	}
	if f.extractor.calls != 4 {
		t.Fatalf("expected 4 extractor calls, got %d", f.extractor.calls)
	}
}

func TestEnrollUsesFirstDetectedFace(t *testing.T) {
	f := newFixture()
	f.extractor.faces["group"] = []biometric.SignatureVector{{4, 4}, {9, 9}}
	svc := f.service()

	res, _ := svc.Enroll(context.Background(), EnrollRequest{Username: "dave", Credential: "pw", Images: []string{"group"}})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := []float64(f.store.records["dave"].Template); got[0] != 4 {
		t.Fatalf("expected first face to be used, got %v", got)
	}
}

func TestExactlyOneFacePolicyRejectsGroupPhotos(t *testing.T) {
	f := newFixture()
	f.extractor.faces["group"] = []biometric.SignatureVector{{4, 4}, {9, 9}}
	svc := f.service(WithFacePolicy(extractor.ExactlyOneFace))

	res, _ := svc.Enroll(context.Background(), EnrollRequest{Username: "dave", Credential: "pw", Images: []string{"group"}})
	if res.Reason != ReasonMultipleFaces {
		t.Fatalf("expected multiple_faces, got %+v", res)
	}

	vres, _ := svc.Verify(context.Background(), VerifyRequest{Username: "dave", Image: "group"})
	if vres.Reason != ReasonMultipleFaces {
		t.Fatalf("expected multiple_faces, got %+v", vres)
	}
}

func TestEnrollDuplicateUsername(t *testing.T) {
	f := newFixture()
	f.extractor.faces["a"] = []biometric.SignatureVector{{1, 1}}
	f.extractor.faces["b"] = []biometric.SignatureVector{{5, 5}}
	svc := f.service()

	first, _ := svc.Enroll(context.Background(), EnrollRequest{Username: "erin", Credential: "pw", Images: []string{"a"}})
	if !first.Success {
		t.Fatalf("expected first enrollment to succeed, got %+v", first)
	}
	second, err := svc.Enroll(context.Background(), EnrollRequest{Username: "erin", Credential: "pw", Images: []string{"b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Reason != ReasonDuplicateUsername {
		t.Fatalf("expected duplicate_username, got %+v", second)
	}
	if got := []float64(f.store.records["erin"].Template); got[0] != 1 {
		t.Fatalf("expected original template to be kept, got %v", got)
	}
}

func TestEnrollDecodeFailure(t *testing.T) {
	f := newFixture()
	f.extractor.faces["a"] = []biometric.SignatureVector{{1, 1}}
	svc := f.service()

	res, _ := svc.Enroll(context.Background(), EnrollRequest{Username: "frank", Credential: "pw", Images: []string{"a", "bad-image"}})
	if res.Reason != ReasonDecodeFailure {
		t.Fatalf("expected decode_failure, got %+v", res)
	}
	if f.extractor.calls != 0 {
		t.Fatalf("expected extractor not to be called, got %d calls", f.extractor.calls)
	}
}

func TestEnrollInvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  EnrollRequest
	}{
		{name: "missing username", req: EnrollRequest{Credential: "pw", Images: []string{"a"}}},
		{name: "blank username", req: EnrollRequest{Username: "  ", Credential: "pw", Images: []string{"a"}}},
		{name: "missing credential", req: EnrollRequest{Username: "gina", Images: []string{"a"}}},
		{name: "no images", req: EnrollRequest{Username: "gina", Credential: "pw"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			res, err := f.service().Enroll(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Reason != ReasonInvalidRequest || res.Success {
				t.Fatalf("expected invalid_request, got %+v", res)
			}
		})
	}
}

func TestEnrollExtractorUnavailable(t *testing.T) {
	f := newFixture()
	f.extractor.err = extractor.ErrUnavailable
	res, err := f.service().Enroll(context.Background(), EnrollRequest{Username: "hal", Credential: "pw", Images: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reason != ReasonUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got %+v", res)
	}
}

func TestVerifyUnknownUser(t *testing.T) {
	f := newFixture()
	f.extractor.faces["live"] = []biometric.SignatureVector{{1, 1}}

	res, err := f.service().Verify(context.Background(), VerifyRequest{Username: "nobody", Image: "live"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Reason != ReasonUnknownUser {
		t.Fatalf("expected unknown_user, got %+v", res)
	}
	if res.Distance != nil {
		t.Fatal("expected no comparison for an unknown user")
	}
	if len(f.tokens.issued) != 0 {
		t.Fatal("expected no token to be issued")
	}
}

func TestVerifyInvalidRequest(t *testing.T) {
	f := newFixture()
	svc := f.service()
	for _, req := range []VerifyRequest{{Image: "live"}, {Username: "alice"}} {
		res, _ := svc.Verify(context.Background(), req)
		if res.Reason != ReasonInvalidRequest {
			t.Fatalf("expected invalid_request for %+v, got %+v", req, res)
		}
	}
	if f.extractor.calls != 0 {
		t.Fatalf("expected extractor not to be called, got %d calls", f.extractor.calls)
	}
}

func TestVerifyNoFaceDetected(t *testing.T) {
	f := newFixture()
	f.store.records["alice"] = &repository.Identity{Username: "alice", Template: []float64{1, 0}}

	res, _ := f.service().Verify(context.Background(), VerifyRequest{Username: "alice", Image: "blank"})
	if res.Reason != ReasonNoFaceDetected {
		t.Fatalf("expected no_face_detected, got %+v", res)
	}
	if f.store.findCalls != 0 {
		t.Fatalf("expected store not to be queried, got %d calls", f.store.findCalls)
	}
}

func TestVerifyExtractorTimeout(t *testing.T) {
	f := newFixture()
	f.extractor.block = true
	svc := f.service(WithTimeouts(20*time.Millisecond, time.Second))

	res, err := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reason != ReasonUpstreamTimeout {
		t.Fatalf("expected upstream_timeout, got %+v", res)
	}
}

func TestVerifyStoreFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{name: "timeout", err: context.DeadlineExceeded, want: ReasonUpstreamTimeout},
		{name: "unavailable", err: errors.New("connection refused"), want: ReasonUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.extractor.faces["live"] = []biometric.SignatureVector{{1, 1}}
			f.store.findErr = tt.err

			res, err := f.service().Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Reason != tt.want {
				t.Fatalf("expected %s, got %+v", tt.want, res)
			}
		})
	}
}

func TestVerifyDimensionMismatchIsInternal(t *testing.T) {
	f := newFixture()
	f.extractor.faces["live"] = []biometric.SignatureVector{{1, 1}}
	f.store.records["alice"] = &repository.Identity{Username: "alice", Template: []float64{1, 0, 0}}

	res, err := f.service().Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})
	if err == nil {
		t.Fatal("expected internal error")
	}
	if !errors.Is(err, biometric.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if res.Reason != ReasonInternal || res.Success {
		t.Fatalf("expected internal reason, got %+v", res)
	}
}

func TestVerifyRecordsAttemptAndPublishesEvent(t *testing.T) {
	f := newFixture()
	f.extractor.faces["live"] = []biometric.SignatureVector{{1, 0.5}}
	f.store.records["alice"] = &repository.Identity{Username: "alice", Template: []float64{1, 0}}

	res, _ := f.service().Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})

	if len(f.attempts.saved) != 1 {
		t.Fatalf("expected 1 saved attempt, got %d", len(f.attempts.saved))
	}
	saved := f.attempts.saved[0]
	if saved.RequestID != res.RequestID || saved.Flow != repository.FlowVerify || !saved.Success {
		t.Fatalf("unexpected attempt %+v", saved)
	}
	if saved.Distance == nil || *saved.Distance != 0.5 {
		t.Fatalf("expected distance to be recorded, got %v", saved.Distance)
	}

	if len(f.cache.setKeys) != 1 || f.cache.setKeys[0] != "auth:result:"+res.RequestID {
		t.Fatalf("unexpected cache keys %v", f.cache.setKeys)
	}

	if len(f.publisher.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(f.publisher.events))
	}
	if ev := f.publisher.events[0]; ev.Username != "alice" || ev.Reason != string(ReasonOK) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRecordingFailuresDoNotChangeOutcome(t *testing.T) {
	f := newFixture()
	f.extractor.faces["live"] = []biometric.SignatureVector{{1, 0}}
	f.store.records["alice"] = &repository.Identity{Username: "alice", Template: []float64{1, 0}}
	f.attempts.saveErr = errors.New("disk full")
	f.cache.setErrs = []error{errors.New("boom")}
	f.publisher.err = errors.New("broker down")

	res, err := f.service().Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success despite recording failures, got %+v", res)
	}
}

func TestCacheSetRetriesTransientErrors(t *testing.T) {
	f := newFixture()
	f.extractor.faces["live"] = []biometric.SignatureVector{{1, 0}}
	f.store.records["alice"] = &repository.Identity{Username: "alice", Template: []float64{1, 0}}
	f.cache.setErrs = []error{context.DeadlineExceeded}

	svc := f.service()
	svc.retryPolicy.InitialBackoff = time.Millisecond
	svc.Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})

	if len(f.cache.setKeys) != 2 {
		t.Fatalf("expected a retry, got %d set calls", len(f.cache.setKeys))
	}
	if f.cache.setKeys[0] != f.cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", f.cache.setKeys[0], f.cache.setKeys[1])
	}
}

func TestGetResultFromCache(t *testing.T) {
	f := newFixture()
	distance := 0.3
	payload, _ := json.Marshal(cachedAttempt{RequestID: "req", Username: "alice", Flow: "verify", Success: true, Reason: "ok", Distance: &distance})
	f.cache.getValues = []string{string(payload)}

	got, err := f.service().GetResult(context.Background(), "alice", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.RequestID != "req" || got.Distance == nil || *got.Distance != 0.3 {
		t.Fatalf("unexpected attempt %+v", got)
	}
	if f.attempts.calls != 0 {
		t.Fatalf("expected repository not to be queried, got %d", f.attempts.calls)
	}
}

func TestGetResultIgnoresCachedAttemptOfOtherUser(t *testing.T) {
	f := newFixture()
	payload, _ := json.Marshal(cachedAttempt{RequestID: "req", Username: "alice"})
	f.cache.getValues = []string{string(payload)}

	_, err := f.service().GetResult(context.Background(), "mallory", "req")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.attempts.calls != 1 {
		t.Fatalf("expected repository fallback, got %d calls", f.attempts.calls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	f := newFixture()
	f.cache.getErrs = []error{redis.Nil}
	expected := &repository.AuthAttempt{RequestID: "req", Username: "alice", Reason: "ok"}
	f.attempts.findLog = expected

	got, err := f.service().GetResult(context.Background(), "alice", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got != expected {
		t.Fatalf("expected %+v, got %+v", expected, got)
	}
	if f.attempts.calls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", f.attempts.calls)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	f := newFixture()
	f.attempts.agg = &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, VerifyCount: 2, AverageDistance: 0.4, AverageLatencyMs: 12}

	summary, err := f.service().GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SuccessRate != 0.75 || summary.AverageDistance != 0.4 || summary.VerifyAttempts != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestEmptySignaturesAreNeverAccepted(t *testing.T) {
	f := newFixture()
	f.extractor.faces["hollow"] = []biometric.SignatureVector{{}}
	f.store.records["alice"] = &repository.Identity{Username: "alice", Template: []float64{}}
	svc := f.service()

	enrolled, err := svc.Enroll(context.Background(), EnrollRequest{Username: "bob", Credential: "pw", Images: []string{"hollow"}})
	if !errors.Is(err, biometric.ErrEmptyVector) {
		t.Fatalf("expected empty vector error, got %v", err)
	}
	if enrolled.Success || enrolled.Reason != ReasonInternal {
		t.Fatalf("expected internal reason, got %+v", enrolled)
	}
	if _, ok := f.store.records["bob"]; ok {
		t.Fatal("expected no template to be stored")
	}

	verified, err := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Image: "hollow"})
	if !errors.Is(err, biometric.ErrEmptyVector) {
		t.Fatalf("expected empty vector error, got %v", err)
	}
	if verified.Success || verified.Token != "" {
		t.Fatalf("expected rejection without token, got %+v", verified)
	}
}

func TestVerifyFailureLogsFailedOperation(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture()
	f.extractor.err = extractor.ErrUnavailable
	svc := NewAuthService(f.store, f.attempts, f.extractor, zap.New(core), WithDecoder(stubDecoder{}))

	res, _ := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Image: "live"})
	if res.Reason != ReasonUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got %+v", res)
	}

	entries := logs.FilterMessage("verification failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["failed_operation"]; got != "usecase.extract" {
		t.Fatalf("expected failed_operation usecase.extract, got %v", got)
	}
}
