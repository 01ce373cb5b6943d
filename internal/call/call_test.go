package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id   string
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.enabled = false
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	tracks []Track
}

func (s *fakeStream) Tracks() []Track { return s.tracks }

type fakeDevice struct {
	mu       sync.Mutex
	seq      int
	acquired []*fakeStream
	fail     bool
}

func (d *fakeDevice) Acquire(ctx context.Context, video bool) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("camera unavailable")
	}
	d.seq++
	tracks := []Track{&fakeTrack{id: fmt.Sprintf("audio-%d", d.seq), kind: TrackAudio, enabled: true}}
	if video {
		tracks = append(tracks, &fakeTrack{id: fmt.Sprintf("video-%d", d.seq), kind: TrackVideo, enabled: true})
	}
	stream := &fakeStream{tracks: tracks}
	d.acquired = append(d.acquired, stream)
	return stream, nil
}

type fakeTransport struct {
	mu               sync.Mutex
	added            []Track
	localDescs       []SDP
	remoteDescs      []SDP
	remoteCandidates []string
	onLocalCandidate func(string)
	onRemoteTrack    func(Track)
	closes           int
	offerSeq         int
	answerSeq        int
	failAddTrack     bool
}

func (t *fakeTransport) AddTrack(track Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAddTrack {
		return errors.New("track rejected")
	}
	t.added = append(t.added, track)
	return nil
}

func (t *fakeTransport) setFailAddTrack(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAddTrack = fail
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (SDP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offerSeq++
	return SDP{Type: "offer", SDP: fmt.Sprintf("v=0 offer %d tracks %d", t.offerSeq, len(t.added))}, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (SDP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answerSeq++
	return SDP{Type: "answer", SDP: fmt.Sprintf("v=0 answer %d", t.answerSeq)}, nil
}

func (t *fakeTransport) SetLocalDescription(ctx context.Context, desc SDP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDescs = append(t.localDescs, desc)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, desc SDP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteDescs = append(t.remoteDescs, desc)
	return nil
}

func (t *fakeTransport) AddRemoteCandidate(ctx context.Context, candidate string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteCandidates = append(t.remoteCandidates, candidate)
	return nil
}

func (t *fakeTransport) OnLocalCandidate(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLocalCandidate = fn
}

func (t *fakeTransport) OnRemoteTrack(fn func(Track)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemoteTrack = fn
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) emitCandidate(candidate string) {
	t.mu.Lock()
	fn := t.onLocalCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (t *fakeTransport) emitRemoteTrack(track Track) {
	t.mu.Lock()
	fn := t.onRemoteTrack
	t.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (t *fakeTransport) candidateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remoteCandidates)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) remoteDescCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remoteDescs)
}

func (t *fakeTransport) answerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answerSeq
}

// side bundles one user's manager with its fakes.
type side struct {
	manager    *Manager
	device     *fakeDevice
	transports []*fakeTransport
	mu         sync.Mutex
	failSetup  bool
}

func newSide(userID string, store docstore.Store) *side {
	s := &side{device: &fakeDevice{}}
	factory := func(ctx context.Context) (PeerTransport, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failSetup {
			return nil, errors.New("transport unavailable")
		}
		t := &fakeTransport{}
		s.transports = append(s.transports, t)
		return t, nil
	}
	s.manager = NewManager(userID, "test", store, s.device, factory, nil)
	return s
}

func (s *side) transport(t *testing.T) *fakeTransport {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.transports)
	return s.transports[len(s.transports)-1]
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connect sets up a live call between two fresh sides and returns both
// sessions.
func connect(t *testing.T, store docstore.Store, video bool) (*side, *Session, *side, *Session) {
	t.Helper()
	ctx := context.Background()
	caller := newSide("alice", store)
	callee := newSide("bob", store)

	callerSess, err := caller.manager.Initiate(ctx, "bob", video)
	require.NoError(t, err)
	calleeSess, err := callee.manager.Accept(ctx, callerSess.ID())
	require.NoError(t, err)

	waitUntil(t, "caller to connect", func() bool { return callerSess.Status() == StatusConnected })
	return caller, callerSess, callee, calleeSess
}

func TestInitiate_CreatesRingingDocument(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller := newSide("alice", store)

	sess, err := caller.manager.Initiate(ctx, "bob", false)
	require.NoError(t, err)
	defer sess.End(ctx)

	doc, err := store.Get(ctx, Collection, sess.ID())
	require.NoError(t, err)
	sd := parseSessionDoc(doc)
	assert.Equal(t, "alice", sd.callerID)
	assert.Equal(t, "bob", sd.receiverID)
	assert.Equal(t, StatusCalling, sd.status)
	assert.False(t, sd.video)
	require.NotNil(t, sd.offer)
	assert.Nil(t, sd.answer)
}

func TestAccept_ConnectsBothSides(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	_, callerSess, _, calleeSess := connect(t, store, false)
	defer callerSess.End(ctx)

	assert.Equal(t, StatusConnected, calleeSess.Status())

	doc, err := store.Get(ctx, Collection, callerSess.ID())
	require.NoError(t, err)
	sd := parseSessionDoc(doc)
	assert.Equal(t, StatusConnected, sd.status)
	require.NotNil(t, sd.answer)
}

func TestInitiate_SecondCallRejected(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller := newSide("alice", store)

	sess, err := caller.manager.Initiate(ctx, "bob", false)
	require.NoError(t, err)
	defer sess.End(ctx)

	_, err = caller.manager.Initiate(ctx, "carol", false)
	require.ErrorIs(t, err, common.ErrCallInProgress)
}

func TestInitiate_SetupFailureReleasesEverything(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller := newSide("alice", store)
	caller.failSetup = true

	_, err := caller.manager.Initiate(ctx, "bob", true)
	require.ErrorIs(t, err, common.ErrCallSetup)

	assert.Nil(t, caller.manager.Active(), "the failed session must not stay active")
	require.Len(t, caller.device.acquired, 1)
	for _, track := range caller.device.acquired[0].Tracks() {
		assert.True(t, track.(*fakeTrack).isStopped(), "%s track must be released", track.Kind())
	}

	// The slot is free for the next attempt.
	caller.failSetup = false
	sess, err := caller.manager.Initiate(ctx, "bob", false)
	require.NoError(t, err)
	sess.End(ctx)
}

func TestAccept_EndedCallRejected(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	callee := newSide("bob", store)

	id, err := store.Add(ctx, Collection, map[string]any{
		"callerId":   "alice",
		"receiverId": "bob",
		"status":     StatusEnded,
	})
	require.NoError(t, err)

	_, err = callee.manager.Accept(ctx, id)
	require.ErrorIs(t, err, common.ErrCallEnded)
	assert.Nil(t, callee.manager.Active())
}

func TestCandidateTrickle_AppliedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, callee, _ := connect(t, store, false)
	defer callerSess.End(ctx)

	caller.transport(t).emitCandidate("candidate:1 udp")
	waitUntil(t, "candidate to reach callee", func() bool {
		return callee.transport(t).candidateCount() == 1
	})

	// Rewrite the candidate document in place: the feed reports it again,
	// the session must not re-apply it.
	docs, err := store.Query(ctx, callerCandidates(callerSess.ID()))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.NoError(t, store.Set(ctx, callerCandidates(callerSess.ID()), docs[0].ID, docs[0].Fields))

	callee.transport(t).emitCandidate("candidate:2 udp")
	waitUntil(t, "reverse candidate", func() bool {
		return caller.transport(t).candidateCount() == 1
	})
	assert.Equal(t, 1, callee.transport(t).candidateCount(), "replayed candidate must not be applied twice")
}

func TestRemoteTracks_SurfaceThroughCallback(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, _, _ := connect(t, store, false)
	defer callerSess.End(ctx)

	var got []Track
	var mu sync.Mutex
	callerSess.OnRemoteTrack(func(track Track) {
		mu.Lock()
		got = append(got, track)
		mu.Unlock()
	})

	remote := &fakeTrack{id: "remote-audio", kind: TrackAudio, enabled: true}
	caller.transport(t).emitRemoteTrack(remote)

	mu.Lock()
	require.Len(t, got, 1)
	mu.Unlock()
	require.Len(t, callerSess.RemoteTracks(), 1)
	assert.Equal(t, "remote-audio", callerSess.RemoteTracks()[0].ID())
}

func TestWaitForRemoteTrack(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, _, _ := connect(t, store, false)
	defer callerSess.End(ctx)

	go caller.transport(t).emitRemoteTrack(&fakeTrack{id: "remote-audio", kind: TrackAudio, enabled: true})

	track, err := callerSess.WaitForRemoteTrack(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote-audio", track.ID())

	// Already-arrived tracks resolve immediately.
	track, err = callerSess.WaitForRemoteTrack(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote-audio", track.ID())
}

func TestWaitForRemoteTrack_Timeout(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, callerSess, _, _ := connect(t, store, false)
	defer callerSess.End(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := callerSess.WaitForRemoteTrack(ctx)
	require.ErrorIs(t, err, common.ErrCallSetup)
}

func TestLocalTracks(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	_, callerSess, _, _ := connect(t, store, true)
	defer callerSess.End(ctx)

	tracks := callerSess.LocalTracks()
	require.Len(t, tracks, 2)
	kinds := map[TrackKind]bool{}
	for _, track := range tracks {
		kinds[track.Kind()] = true
	}
	assert.True(t, kinds[TrackAudio])
	assert.True(t, kinds[TrackVideo])
}

func TestEnd_IdempotentTeardown(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, _, _ := connect(t, store, false)

	caller.transport(t).emitCandidate("candidate:1 udp")
	waitUntil(t, "candidate document", func() bool {
		docs, err := store.Query(ctx, callerCandidates(callerSess.ID()))
		return err == nil && len(docs) == 1
	})

	require.NoError(t, callerSess.End(ctx))
	require.NoError(t, callerSess.End(ctx))

	assert.Equal(t, 1, caller.transport(t).closeCount(), "transport must close exactly once")
	assert.Nil(t, caller.manager.Active())
	for _, track := range caller.device.acquired[0].Tracks() {
		assert.True(t, track.(*fakeTrack).isStopped())
	}

	doc, err := store.Get(ctx, Collection, callerSess.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, parseSessionDoc(doc).status)

	docs, err := store.Query(ctx, callerCandidates(callerSess.ID()))
	require.NoError(t, err)
	assert.Empty(t, docs, "candidate documents must be cleaned up")
}

func TestRemoteEnd_TearsDownOnce(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, _, calleeSess := connect(t, store, false)

	require.NoError(t, calleeSess.End(ctx))

	waitUntil(t, "caller to observe the hang-up", func() bool {
		return callerSess.Status() == StatusEnded
	})
	waitUntil(t, "caller transport to close", func() bool {
		return caller.transport(t).closeCount() == 1
	})
	assert.Nil(t, caller.manager.Active())

	// A local End after the remote teardown stays a no-op.
	require.NoError(t, callerSess.End(ctx))
	assert.Equal(t, 1, caller.transport(t).closeCount())
}

func TestUpgradeToVideo_RenegotiatesOnce(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, callee, calleeSess := connect(t, store, false)
	defer callerSess.End(ctx)

	answersBefore := callee.transport(t).answerCount()
	require.NoError(t, callerSess.UpgradeToVideo(ctx))

	doc, err := store.Get(ctx, Collection, callerSess.ID())
	require.NoError(t, err)
	sd := parseSessionDoc(doc)
	assert.True(t, sd.video)

	waitUntil(t, "callee to answer the renegotiation", func() bool {
		return callee.transport(t).answerCount() == answersBefore+1
	})
	waitUntil(t, "callee to flip to video", func() bool { return calleeSess.Video() })

	// Replay the same offer; the fingerprint check must swallow it.
	require.NoError(t, store.Update(ctx, Collection, callerSess.ID(), map[string]any{
		"offer": sdpFields(*sd.offer),
	}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, answersBefore+1, callee.transport(t).answerCount(),
		"a replayed offer must not trigger a second renegotiation")

	// The caller applied the renegotiated answer on top of the original.
	waitUntil(t, "caller to apply renegotiated answer", func() bool {
		return caller.transport(t).remoteDescCount() == 2
	})
}

func TestUpgradeToVideo_FailureReleasesCamera(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, _, _ := connect(t, store, false)
	defer callerSess.End(ctx)

	caller.transport(t).setFailAddTrack(true)
	require.Error(t, callerSess.UpgradeToVideo(ctx))

	require.Len(t, caller.device.acquired, 2)
	for _, track := range caller.device.acquired[1].Tracks() {
		assert.True(t, track.(*fakeTrack).isStopped(),
			"%s track from the failed upgrade must be released", track.Kind())
	}
	assert.False(t, callerSess.Video(), "a failed upgrade leaves the call audio-only")

	doc, err := store.Get(ctx, Collection, callerSess.ID())
	require.NoError(t, err)
	assert.False(t, parseSessionDoc(doc).video)
}

func TestUpgradeToVideo_RequiresConnectedAudioCall(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller := newSide("alice", store)

	sess, err := caller.manager.Initiate(ctx, "bob", false)
	require.NoError(t, err)
	defer sess.End(ctx)

	require.Error(t, sess.UpgradeToVideo(ctx), "a ringing call cannot be upgraded")
}

func TestSetBackground_DisablesVideoKeepsAudio(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller, callerSess, _, _ := connect(t, store, true)
	defer callerSess.End(ctx)

	require.NoError(t, callerSess.SetBackground(ctx, true))

	stream := caller.device.acquired[0]
	for _, track := range stream.Tracks() {
		ft := track.(*fakeTrack)
		switch ft.Kind() {
		case TrackVideo:
			assert.False(t, ft.Enabled(), "video must be disabled in background")
			assert.False(t, ft.isStopped(), "video must stay acquired for instant resume")
		case TrackAudio:
			assert.True(t, ft.Enabled(), "audio keeps flowing in background")
		}
	}

	doc, err := store.Get(ctx, Collection, callerSess.ID())
	require.NoError(t, err)
	assert.True(t, parseSessionDoc(doc).background)

	require.NoError(t, callerSess.SetBackground(ctx, false))
	for _, track := range stream.Tracks() {
		assert.True(t, track.(*fakeTrack).Enabled())
	}
}

func TestWatchIncoming(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller := newSide("alice", store)
	callee := newSide("bob", store)

	var mu sync.Mutex
	var rings []IncomingCall
	unsub, err := callee.manager.WatchIncoming(ctx, func(c IncomingCall) {
		mu.Lock()
		rings = append(rings, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	sess, err := caller.manager.Initiate(ctx, "bob", true)
	require.NoError(t, err)
	defer sess.End(ctx)

	waitUntil(t, "incoming call notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rings) > 0
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sess.ID(), rings[0].ID)
	assert.Equal(t, "alice", rings[0].CallerID)
	assert.True(t, rings[0].Video)
	assert.False(t, rings[0].Canceled)
}

func TestWatchIncoming_CallerHangUpStopsRinging(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	caller := newSide("alice", store)
	callee := newSide("bob", store)

	var mu sync.Mutex
	var rings []IncomingCall
	unsub, err := callee.manager.WatchIncoming(ctx, func(c IncomingCall) {
		mu.Lock()
		rings = append(rings, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	sess, err := caller.manager.Initiate(ctx, "bob", false)
	require.NoError(t, err)

	waitUntil(t, "the call to ring", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rings) > 0
	})

	// The caller gives up before the answer; the callee must stop ringing.
	require.NoError(t, sess.End(ctx))

	waitUntil(t, "the cancellation to reach the callee", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range rings {
			if r.ID == sess.ID() && r.Canceled {
				return true
			}
		}
		return false
	})
}
