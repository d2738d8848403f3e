package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/faceauth/internal/biometric"
	"github.com/example/faceauth/internal/credential"
	"github.com/example/faceauth/internal/events"
	"github.com/example/faceauth/internal/extractor"
	"github.com/example/faceauth/internal/imagecodec"
	"github.com/example/faceauth/internal/logging"
	"github.com/example/faceauth/internal/repository"
	"github.com/example/faceauth/internal/retry"
)

// IdentityStore is the template store used by the auth flows.
type IdentityStore interface {
	Create(ctx context.Context, requestID string, identity *repository.Identity) error
	FindByUsername(ctx context.Context, requestID, username string) (*repository.Identity, error)
}

// AttemptLog persists and reads back auth attempts.
type AttemptLog interface {
	SaveAttempt(ctx context.Context, attempt *repository.AuthAttempt) error
	FindByRequestIDAndUser(ctx context.Context, requestID, username string) (*repository.AuthAttempt, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// TokenIssuer mints a session token for a verified user.
type TokenIssuer interface {
	Issue(username string) (string, error)
}

// AuthService orchestrates enrollment and verification.
type AuthService struct {
	identities IdentityStore
	attempts   AttemptLog
	extractor  extractor.Extractor
	decoder    imagecodec.Decoder
	hasher     credential.Hasher
	cache      Cache
	tokens     TokenIssuer
	publisher  events.Publisher
	logger     *zap.Logger

	policy         extractor.FacePolicy
	threshold      float64
	extractTimeout time.Duration
	storeTimeout   time.Duration
	workers        int
	resultTTL      time.Duration
	retryPolicy    retry.Policy
	now            func() time.Time
}

// Option customises an AuthService.
type Option func(*AuthService)

// WithCache caches attempt results for GetResult.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(s *AuthService) {
		s.cache = cache
		if ttl > 0 {
			s.resultTTL = ttl
		}
	}
}

// WithTokens issues a session token on every accepted verification.
func WithTokens(tokens TokenIssuer) Option {
	return func(s *AuthService) { s.tokens = tokens }
}

// WithPublisher publishes an event per request.
func WithPublisher(p events.Publisher) Option {
	return func(s *AuthService) { s.publisher = p }
}

// WithDecoder replaces the data URL decoder.
func WithDecoder(d imagecodec.Decoder) Option {
	return func(s *AuthService) { s.decoder = d }
}

// WithHasher replaces the bcrypt credential hasher.
func WithHasher(h credential.Hasher) Option {
	return func(s *AuthService) { s.hasher = h }
}

// WithFacePolicy sets the multi-face policy.
func WithFacePolicy(p extractor.FacePolicy) Option {
	return func(s *AuthService) { s.policy = p }
}

// WithThreshold sets the verification threshold.
func WithThreshold(threshold float64) Option {
	return func(s *AuthService) { s.threshold = threshold }
}

// WithTimeouts bounds each extractor call and each store call.
func WithTimeouts(extract, store time.Duration) Option {
	return func(s *AuthService) {
		if extract > 0 {
			s.extractTimeout = extract
		}
		if store > 0 {
			s.storeTimeout = store
		}
	}
}

// WithWorkers bounds the number of concurrent extractions per enrollment.
func WithWorkers(n int) Option {
	return func(s *AuthService) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewAuthService constructs a new service instance.
func NewAuthService(identities IdentityStore, attempts AttemptLog, ext extractor.Extractor, logger *zap.Logger, opts ...Option) *AuthService {
	s := &AuthService{
		identities:     identities,
		attempts:       attempts,
		extractor:      ext,
		decoder:        imagecodec.DataURLDecoder{},
		hasher:         credential.NewBcryptHasher(),
		publisher:      events.Nop{},
		logger:         logger.Named("auth_service"),
		policy:         extractor.FirstDetectedFace,
		threshold:      biometric.DefaultThreshold,
		extractTimeout: 10 * time.Second,
		storeTimeout:   3 * time.Second,
		workers:        4,
		resultTTL:      5 * time.Minute,
		retryPolicy:    retry.DefaultPolicy,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll derives a template from the submitted images and stores it for the
// username. Auth failures are reported in the result; the returned error is
// non-nil only for internal faults.
func (s *AuthService) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	start := s.now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "usecase.enroll", requestID).With(zap.String("username", req.Username))

	res := &EnrollResult{RequestID: requestID, Username: req.Username}
	err := s.enroll(ctx, requestID, req, res)
	res.Reason = classify(err)
	res.Success = res.Reason == ReasonOK
	res.Message = res.Reason.Message(repository.FlowEnroll)

	if res.Success {
		opLogger.Info("enrollment stored")
	} else {
		opLogger.Warn("enrollment rejected", zap.String("reason", string(res.Reason)),
			zap.String("failed_operation", logging.OperationOf(err)), zap.Error(err))
	}

	s.record(ctx, opLogger, &repository.AuthAttempt{
		RequestID: requestID,
		Username:  req.Username,
		Flow:      repository.FlowEnroll,
		Success:   res.Success,
		Reason:    string(res.Reason),
		LatencyMs: s.now().Sub(start).Milliseconds(),
		CreatedAt: start.UTC(),
	})

	if res.Reason == ReasonInternal {
		return res, logging.NewOperationError("usecase.enroll", requestID, err)
	}
	return res, nil
}

func (s *AuthService) enroll(ctx context.Context, requestID string, req EnrollRequest, res *EnrollResult) error {
	if strings.TrimSpace(req.Username) == "" || req.Credential == "" || len(req.Images) == 0 {
		return errInvalidRequest
	}

	images := make([]*imagecodec.Image, len(req.Images))
	for i, encoded := range req.Images {
		img, err := s.decoder.Decode(encoded)
		if err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
		images[i] = img
	}

	samples, err := s.extractAll(ctx, requestID, images)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return errNoFace
	}

	template, err := biometric.Aggregate(samples)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(req.Credential)
	if err != nil {
		return fmt.Errorf("%w: hash credential: %v", errInternal, err)
	}

	identity := &repository.Identity{
		Username:       req.Username,
		CredentialHash: hash,
		Template:       []float64(template),
		CreatedAt:      s.now().UTC(),
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.identities.Create(storeCtx, requestID, identity); err != nil {
		return err
	}
	res.CreatedAt = identity.CreatedAt
	return nil
}

// extractAll runs the extractor over images concurrently and returns the
// selected signature of every image with a face, in submission order.
func (s *AuthService) extractAll(ctx context.Context, requestID string, images []*imagecodec.Image) ([]biometric.SignatureVector, error) {
	selected := make([]biometric.SignatureVector, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			sig, ok, err := s.extractOne(gctx, requestID, img)
			if err != nil {
				return err
			}
			if ok {
				selected[i] = sig
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	samples := make([]biometric.SignatureVector, 0, len(selected))
	for _, sig := range selected {
		if sig != nil {
			samples = append(samples, sig)
		}
	}
	return samples, nil
}

func (s *AuthService) extractOne(ctx context.Context, requestID string, img *imagecodec.Image) (biometric.SignatureVector, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.extractTimeout)
	defer cancel()

	faces, err := s.extractor.Extract(ctx, img)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", extractor.ErrTimeout, err)
		}
		return nil, false, logging.NewOperationError("usecase.extract", requestID, err)
	}
	return s.policy.Select(faces)
}

// Verify compares a live image against the stored template of username. Auth
// failures are reported in the result; the returned error is non-nil only for
// internal faults such as a template whose dimension no longer matches the
// extractor.
func (s *AuthService) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	start := s.now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "usecase.verify", requestID).With(zap.String("username", req.Username))

	res := &VerifyResult{RequestID: requestID, Threshold: s.threshold}
	err := s.verify(ctx, requestID, req, res)
	res.Reason = classify(err)
	if err == nil && !res.Success {
		res.Reason = ReasonNoMatch
	}
	res.Success = res.Reason == ReasonOK
	res.Message = res.Reason.Message(repository.FlowVerify)

	fields := []zap.Field{
		zap.String("reason", string(res.Reason)),
		zap.Bool("accepted", res.Success),
		zap.Float64("threshold", res.Threshold),
	}
	if res.Distance != nil {
		fields = append(fields, zap.Float64("distance", *res.Distance), zap.String("decision", string(res.Decision)))
	}
	if err != nil {
		fields = append(fields, zap.String("failed_operation", logging.OperationOf(err)), zap.Error(err))
		opLogger.Warn("verification failed", fields...)
	} else {
		opLogger.Info("verification decided", fields...)
	}

	if res.Success && s.tokens != nil {
		token, err := s.tokens.Issue(req.Username)
		if err != nil {
			opLogger.Error("failed to issue session token", zap.Error(err))
		} else {
			res.Token = token
		}
	}

	s.record(ctx, opLogger, &repository.AuthAttempt{
		RequestID: requestID,
		Username:  req.Username,
		Flow:      repository.FlowVerify,
		Success:   res.Success,
		Reason:    string(res.Reason),
		Distance:  res.Distance,
		LatencyMs: s.now().Sub(start).Milliseconds(),
		CreatedAt: start.UTC(),
	})

	if res.Reason == ReasonInternal {
		return res, logging.NewOperationError("usecase.verify", requestID, err)
	}
	return res, nil
}

func (s *AuthService) verify(ctx context.Context, requestID string, req VerifyRequest, res *VerifyResult) error {
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Image) == "" {
		return errInvalidRequest
	}

	img, err := s.decoder.Decode(req.Image)
	if err != nil {
		return err
	}

	candidate, ok, err := s.extractOne(ctx, requestID, img)
	if err != nil {
		return err
	}
	if !ok {
		return errNoFace
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	identity, err := s.identities.FindByUsername(storeCtx, requestID, req.Username)
	if err != nil {
		return err
	}

	match, err := biometric.Verify(candidate, identity.BiometricTemplate(), s.threshold)
	if err != nil {
		return err
	}
	distance := match.Distance
	res.Distance = &distance
	res.Decision = match.Decision
	res.Success = match.Accepted
	return nil
}

// record persists, caches and publishes the attempt. None of these steps
// affects the outcome already decided.
func (s *AuthService) record(ctx context.Context, opLogger *zap.Logger, attempt *repository.AuthAttempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	if s.attempts != nil {
		if err := s.attempts.SaveAttempt(ctx, attempt); err != nil {
			opLogger.Warn("failed to persist auth attempt", zap.Error(err))
		}
	}

	if s.cache != nil {
		if err := s.cacheAttempt(ctx, attempt); err != nil {
			opLogger.Warn("failed to cache auth attempt", zap.Error(err))
		}
	}

	event := events.Event{
		RequestID: attempt.RequestID,
		Flow:      attempt.Flow,
		Username:  attempt.Username,
		Success:   attempt.Success,
		Reason:    attempt.Reason,
		Distance:  attempt.Distance,
		Timestamp: attempt.CreatedAt,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		opLogger.Warn("failed to publish auth event", zap.Error(err))
	}
}

func resultKey(requestID string) string {
	return fmt.Sprintf("auth:result:%s", requestID)
}

func (s *AuthService) cacheAttempt(ctx context.Context, attempt *repository.AuthAttempt) error {
	serialized, err := json.Marshal(cachedAttempt{
		RequestID: attempt.RequestID,
		Username:  attempt.Username,
		Flow:      attempt.Flow,
		Success:   attempt.Success,
		Reason:    attempt.Reason,
		Distance:  attempt.Distance,
		LatencyMs: attempt.LatencyMs,
		CreatedAt: attempt.CreatedAt,
	})
	if err != nil {
		return err
	}
	return retry.Do(ctx, s.logger, s.retryPolicy, "cache.set.result", attempt.RequestID, func() error {
		return s.cache.Set(ctx, resultKey(attempt.RequestID), string(serialized), s.resultTTL)
	})
}

// GetResult returns the attempt requestID if it belongs to username. The
// cache is consulted first, then the attempt log.
func (s *AuthService) GetResult(ctx context.Context, username, requestID string) (*repository.AuthAttempt, error) {
	opLogger := logging.WithOperation(s.logger, "usecase.get_result", requestID)
	if s.cache != nil {
		var cached string
		err := retry.Do(ctx, s.logger, s.retryPolicy, "cache.get.result", requestID, func() error {
			value, err := s.cache.Get(ctx, resultKey(requestID))
			if err != nil {
				return err
			}
			cached = value
			return nil
		})
		switch {
		case err == nil:
			var payload cachedAttempt
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else if payload.Username == username {
				return payload.attempt(), nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	attempt, err := s.attempts.FindByRequestIDAndUser(ctx, requestID, username)
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

type cachedAttempt struct {
	RequestID string    `json:"request_id"`
	Username  string    `json:"username"`
	Flow      string    `json:"flow"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason"`
	Distance  *float64  `json:"distance,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

func (c cachedAttempt) attempt() *repository.AuthAttempt {
	return &repository.AuthAttempt{
		RequestID: c.RequestID,
		Username:  c.Username,
		Flow:      c.Flow,
		Success:   c.Success,
		Reason:    c.Reason,
		Distance:  c.Distance,
		LatencyMs: c.LatencyMs,
		CreatedAt: c.CreatedAt,
	}
}

var (
	errInvalidRequest = errors.New("invalid request")
	errNoFace         = errors.New("no face detected")
	errInternal       = errors.New("internal")
)
