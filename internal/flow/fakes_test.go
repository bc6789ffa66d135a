package flow

import (
	"context"
	"sync"

	"facegate/internal/capture"
	"facegate/models"
)

// fakeBackend implements every backend interface with overridable funcs.
type fakeBackend struct {
	mu sync.Mutex

	resolve  func(identifier string) (*models.IdentifierResult, error)
	password func(identifier, secret string) (*models.PasswordResult, error)
	frames   func(frames []capture.Frame) (*models.FaceVerifyResult, error)
	video    func(video *capture.VideoBlob) (*models.FaceVerifyResult, error)
	enroll   func(ctx context.Context, video *capture.VideoBlob) (*models.EnrollmentResult, error)
	update   func(video *capture.VideoBlob) (*models.EnrollmentResult, error)
	remove   func(identifier string) error

	calls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}}
}

func (b *fakeBackend) count(name string) {
	b.mu.Lock()
	b.calls[name]++
	b.mu.Unlock()
}

func (b *fakeBackend) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) ResolveIdentifier(_ context.Context, identifier string) (*models.IdentifierResult, error) {
	b.count("resolve")
	return b.resolve(identifier)
}

func (b *fakeBackend) VerifyPassword(_ context.Context, identifier, secret string) (*models.PasswordResult, error) {
	b.count("password")
	return b.password(identifier, secret)
}

func (b *fakeBackend) VerifyFaceFrames(_ context.Context, _ string, frames []capture.Frame) (*models.FaceVerifyResult, error) {
	b.count("frames")
	return b.frames(frames)
}

func (b *fakeBackend) VerifyFaceVideo(_ context.Context, _ string, video *capture.VideoBlob) (*models.FaceVerifyResult, error) {
	b.count("video")
	return b.video(video)
}

func (b *fakeBackend) SubmitEnrollmentVideo(ctx context.Context, _ string, video *capture.VideoBlob) (*models.EnrollmentResult, error) {
	b.count("enroll")
	return b.enroll(ctx, video)
}

func (b *fakeBackend) UpdateBiometricData(_ context.Context, _ string, video *capture.VideoBlob) (*models.EnrollmentResult, error) {
	b.count("update")
	return b.update(video)
}

func (b *fakeBackend) DeleteBiometricData(_ context.Context, identifier string) error {
	b.count("delete")
	return b.remove(identifier)
}

// fakeStages hands out one buffered channel per subscription.
type fakeStages struct {
	mu           sync.Mutex
	ch           chan capture.StageEvent
	subscribed   chan struct{}
	unsubscribed int
}

func newFakeStages() *fakeStages {
	return &fakeStages{ch: make(chan capture.StageEvent, 4), subscribed: make(chan struct{}, 1)}
}

func (s *fakeStages) Subscribe(string) (<-chan capture.StageEvent, func()) {
	s.subscribed <- struct{}{}
	return s.ch, func() {
		s.mu.Lock()
		s.unsubscribed++
		s.mu.Unlock()
	}
}

func (s *fakeStages) Unsubscribed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// recorded keeps every state a flow emitted.
type recorded[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorded[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorded[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func boolPtr(b bool) *bool { return &b }
