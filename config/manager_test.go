package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/natsclient"
	"github.com/c360/semscope/testutil"
)

// ManagerSuite runs every test against a fresh embedded server
type ManagerSuite struct {
	suite.Suite
	client *natsclient.Client
	ctx    context.Context
	bench  *Config
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.client = testutil.NewClient(s.T())
	s.ctx = testutil.Context(s.T(), 10*time.Second)
	cfg, err := Parse([]byte(benchYAML))
	s.Require().NoError(err)
	s.bench = cfg
}

func (s *ManagerSuite) start(cfg *Config) *Manager {
	cm, err := NewManager(s.ctx, cfg, s.client, slog.Default())
	s.Require().NoError(err)
	s.Require().NoError(cm.Start(s.ctx))
	s.T().Cleanup(func() { _ = cm.Stop(time.Second) })
	return cm
}

func TestNewManagerValidation(t *testing.T) {
	ctx := testutil.Context(t, 5*time.Second)
	_, err := NewManager(ctx, nil, nil, nil)
	require.Error(t, err)

	cfg, err := Parse([]byte(benchYAML))
	require.NoError(t, err)
	_, err = NewManager(ctx, cfg, nil, nil)
	require.Error(t, err)
}

func (s *ManagerSuite) TestFirstBootPushesAndFetch() {
	s.start(s.bench)

	fetched, err := Fetch(s.ctx, s.client, nil)
	s.Require().NoError(err)
	s.Equal("bench-1", fetched.Platform.ID)
	s.Equal("1.2.0", fetched.Version)
	s.Equal([]string{"hw"}, fetched.Containers)
	s.Equal(s.bench.Timeouts, fetched.Timeouts)
	s.Require().Contains(fetched.Components, "camera")
	s.Equal(0.1, fetched.Components["camera"].Init["exposure"])
	s.Equal([]string{"camera"}, fetched.Components["stage"].Affects)
}

func (s *ManagerSuite) TestFetchWithoutBucket() {
	_, err := Fetch(s.ctx, s.client, nil)
	s.Require().Error(err)
	s.True(errors.IsNotFound(err))
}

func (s *ManagerSuite) TestVersionReconcile() {
	cm := s.start(s.bench)
	s.Require().NoError(cm.Stop(time.Second))

	// Same version: the bucket wins over the file
	same := s.bench.Clone()
	same.Platform.Model = "from-file"
	cm = s.start(same)
	s.Equal("sim", cm.Config().Get().Platform.Model)
	s.Require().NoError(cm.Stop(time.Second))

	// Newer file: the file overwrites the bucket and stale components go away
	newer := s.bench.Clone()
	newer.Version = "1.3.0"
	newer.Platform.Model = "upgraded"
	newer.Components["stage"] = ComponentConfig{Class: "simulated-stage", Role: "stage", Container: "hw"}
	delete(newer.Components, "camera")
	cm = s.start(newer)
	s.Equal("upgraded", cm.Config().Get().Platform.Model)
	s.Require().NoError(cm.Stop(time.Second))

	fetched, err := Fetch(s.ctx, s.client, nil)
	s.Require().NoError(err)
	s.Equal("1.3.0", fetched.Version)
	s.Equal("upgraded", fetched.Platform.Model)
	s.NotContains(fetched.Components, "camera")

	// Older file: the bucket wins
	older := s.bench.Clone()
	older.Platform.Model = "stale"
	cm = s.start(older)
	s.Equal("upgraded", cm.Config().Get().Platform.Model)
	s.Equal("1.3.0", cm.Config().Get().Version)
}

func (s *ManagerSuite) TestFollowsBucketEdits() {
	cm := s.start(s.bench)

	updates := cm.OnChange("components.*")
	initial := <-updates
	s.Equal("components.*", initial.Path)

	kv, err := s.client.GetKeyValueBucket(s.ctx, Bucket)
	s.Require().NoError(err)
	store := natsclient.NewKVStore(kv, time.Second)

	edited := s.bench.Components["camera"]
	edited.Init = map[string]any{"exposure": 0.25}
	data, err := json.Marshal(edited)
	s.Require().NoError(err)
	_, err = store.Put(s.ctx, "components.camera", data)
	s.Require().NoError(err)

	select {
	case update := <-updates:
		s.Equal("components.camera", update.Path)
		s.Equal(0.25, update.Config.Get().Components["camera"].Init["exposure"])
	case <-s.ctx.Done():
		s.FailNow("no update for components.camera")
	}

	// An edit that breaks validation is rejected and the config is kept
	_, err = store.Put(s.ctx, "platform", []byte(`{"id": ""}`))
	s.Require().NoError(err)
	_, err = store.Put(s.ctx, "log", []byte(`{"level": "debug", "format": "text"}`))
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		return cm.Config().Get().Log.Level == "debug"
	}, 5*time.Second, 20*time.Millisecond)
	s.Equal("bench-1", cm.Config().Get().Platform.ID)

	// Nothing refers to stage, so deleting its key removes it
	s.Require().NoError(store.Delete(s.ctx, "components.stage"))
	s.Require().Eventually(func() bool {
		_, ok := cm.Config().Get().Components["stage"]
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func (s *ManagerSuite) TestStopClosesSubscribers() {
	cm := s.start(s.bench)

	updates := cm.OnChange("platform")
	<-updates
	s.Require().NoError(cm.Stop(time.Second))
	s.Require().NoError(cm.Stop(time.Second))

	_, open := <-updates
	s.False(open)
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		key, pattern string
		want         bool
	}{
		{"platform", "platform", true},
		{"components.camera", "components.*", true},
		{"components.camera", "components.cam*", true},
		{"components.stage", "components.cam*", false},
		{"platform", "components.*", false},
		{"nats", "platform", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesPattern(tt.key, tt.pattern), "%s ~ %s", tt.key, tt.pattern)
	}
}
