package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
)

type fakeGenerator struct {
	calls atomic.Int64
	err   error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, topic, platform, tone string) (*models.GeneratedContent, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &models.GeneratedContent{Text: "Draft about " + topic, Platform: platform, Tone: tone, Model: "fake"}, nil
}

type fakeModerator struct {
	calls   atomic.Int64
	blocked string
}

func (f *fakeModerator) Moderate(_ context.Context, text string) (*models.ModerationResult, error) {
	f.calls.Add(1)
	if f.blocked != "" && strings.Contains(strings.ToLower(text), f.blocked) {
		return &models.ModerationResult{Safe: false, Reason: "contains " + f.blocked, Categories: []string{"harassment"}}, nil
	}
	return &models.ModerationResult{Safe: true}, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	retracted []string
	keys      []string
	failUndo  bool
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, content, platform, key string) (*models.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, content)
	f.keys = append(f.keys, key)
	ref := fmt.Sprintf("%s-post-%d", platform, len(f.published))
	return &models.PublishResult{Reference: ref, URL: "https://social.test/" + ref, PublishedAt: time.Now()}, nil
}

func (f *fakePublisher) UndoPublish(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUndo {
		return common.NewError(common.CodeUpstreamFailure, "platform refused")
	}
	f.retracted = append(f.retracted, reference)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeFeatures struct {
	tier    string
	enabled map[string]bool
}

func (f *fakeFeatures) CanAccessFeature(_ context.Context, _, feature string) (bool, error) {
	return f.enabled[feature], nil
}

func (f *fakeFeatures) TierFor(context.Context, string) string { return f.tier }

func (f *fakeFeatures) FeaturesFor(context.Context, string) []string {
	var out []string
	for k, v := range f.enabled {
		if v {
			out = append(out, k)
		}
	}
	return out
}
