package call

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
)

// Session is one live call. All methods are safe for concurrent use; the
// document change feed drives it from one side while the application
// drives it from the other.
type Session struct {
	m        *Manager
	id       string
	peerID   string
	isCaller bool

	// bg carries candidate publishes and feed-driven writes that must
	// outlive the setup call's context.
	bg context.Context

	mu            sync.Mutex
	status        string
	video         bool
	background    bool
	transport     PeerTransport
	streams       []MediaStream
	remoteTracks  []Track
	onRemoteTrack func(Track)
	candidates    map[string]bool
	offerPrint    string
	answerPrint   string
	unsubs        []docstore.UnsubscribeFunc

	remoteOnce    sync.Once
	remoteArrived chan struct{}

	endOnce sync.Once
}

// RemoteTrackTimeout bounds how long WaitForRemoteTrack blocks before the
// call setup is declared failed.
const RemoteTrackTimeout = 30 * time.Second

// ID returns the call document id.
func (s *Session) ID() string { return s.id }

// PeerID returns the other party's user id.
func (s *Session) PeerID() string { return s.peerID }

// Status returns the current session status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Video reports whether the session currently carries video.
func (s *Session) Video() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// RemoteTracks returns the remote tracks received so far.
func (s *Session) RemoteTracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.remoteTracks))
	copy(out, s.remoteTracks)
	return out
}

// LocalTracks returns the locally captured tracks across all acquired
// streams.
func (s *Session) LocalTracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, stream := range s.streams {
		out = append(out, stream.Tracks()...)
	}
	return out
}

// WaitForRemoteTrack blocks until the first remote track attaches or the
// bounded timeout elapses, in which case the setup has failed and the
// caller should End the session.
func (s *Session) WaitForRemoteTrack(ctx context.Context) (Track, error) {
	ctx, cancel := context.WithTimeout(ctx, RemoteTrackTimeout)
	defer cancel()

	select {
	case <-s.remoteArrived:
		return s.RemoteTracks()[0], nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no remote media for call %s: %w (%v)", s.id, common.ErrCallSetup, ctx.Err())
	}
}

// OnRemoteTrack registers a callback invoked for each remote track as it
// arrives, replacing any previous callback.
func (s *Session) OnRemoteTrack(fn func(Track)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemoteTrack = fn
}

func (s *Session) setupAsCaller(ctx context.Context) error {
	s.bg = context.WithoutCancel(ctx)
	if err := s.acquireMedia(ctx, s.video); err != nil {
		return err
	}

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := s.transport.SetLocalDescription(ctx, offer); err != nil {
		return fmt.Errorf("setting local offer: %w", err)
	}
	s.offerPrint = fingerprint(offer)

	id, err := s.m.store.Add(ctx, Collection, map[string]any{
		"callerId":       s.m.userID,
		"receiverId":     s.peerID,
		"status":         StatusCalling,
		"isVideo":        s.video,
		"offer":          sdpFields(offer),
		"backgroundMode": false,
		"platform":       s.m.platform,
		"createdAt":      docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("creating call document: %w", err)
	}
	s.id = id
	// The id is only known after Add; written back so the session can be
	// watched by a field-equality subscription.
	if err := s.m.store.Update(ctx, Collection, id, map[string]any{"callId": id}); err != nil {
		return fmt.Errorf("tagging call document: %w", err)
	}

	s.transport.OnLocalCandidate(s.publishCandidate(callerCandidates(id)))
	if err := s.watchDocument(ctx); err != nil {
		return err
	}
	return s.watchCandidates(ctx, answererCandidates(id))
}

func (s *Session) setupAsAnswerer(ctx context.Context, sd sessionDoc) error {
	s.bg = context.WithoutCancel(ctx)
	if sd.offer == nil {
		return fmt.Errorf("call %s has no offer", s.id)
	}
	if err := s.acquireMedia(ctx, sd.video); err != nil {
		return err
	}

	if err := s.transport.SetRemoteDescription(ctx, *sd.offer); err != nil {
		return fmt.Errorf("setting remote offer: %w", err)
	}
	s.offerPrint = fingerprint(*sd.offer)

	answer, err := s.transport.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := s.transport.SetLocalDescription(ctx, answer); err != nil {
		return fmt.Errorf("setting local answer: %w", err)
	}

	err = s.m.store.Update(ctx, Collection, s.id, map[string]any{
		"answer":      sdpFields(answer),
		"status":      StatusConnected,
		"connectedAt": docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("publishing answer: %w", err)
	}
	s.mu.Lock()
	s.status = StatusConnected
	s.mu.Unlock()

	s.transport.OnLocalCandidate(s.publishCandidate(answererCandidates(s.id)))
	if err := s.watchDocument(ctx); err != nil {
		return err
	}
	return s.watchCandidates(ctx, callerCandidates(s.id))
}

// acquireMedia captures the local stream and attaches it to a fresh
// transport.
func (s *Session) acquireMedia(ctx context.Context, video bool) error {
	stream, err := s.m.devices.Acquire(ctx, video)
	if err != nil {
		return fmt.Errorf("acquiring media: %w", err)
	}
	s.streams = append(s.streams, stream)

	transport, err := s.m.transports(ctx)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	s.transport = transport
	transport.OnRemoteTrack(s.handleRemoteTrack)

	for _, track := range stream.Tracks() {
		if err := transport.AddTrack(track); err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (s *Session) handleRemoteTrack(track Track) {
	s.mu.Lock()
	s.remoteTracks = append(s.remoteTracks, track)
	fn := s.onRemoteTrack
	s.mu.Unlock()
	s.remoteOnce.Do(func() { close(s.remoteArrived) })
	if fn != nil {
		fn(track)
	}
}

func (s *Session) publishCandidate(collection string) func(string) {
	return func(candidate string) {
		_, err := s.m.store.Add(s.bg, collection, map[string]any{
			"candidate": candidate,
			"createdAt": docstore.ServerTimestamp,
		})
		if err != nil {
			s.m.logger.Warn(s.bg, "publishing ice candidate failed", "callId", s.id, "error", err)
		}
	}
}

// watchCandidates applies each remote candidate document exactly once,
// keyed by document id, so at-least-once replay cannot double-apply.
func (s *Session) watchCandidates(ctx context.Context, collection string) error {
	unsub, err := s.m.store.Subscribe(ctx, collection, nil, func(changes []docstore.Change) {
		for _, ch := range changes {
			if ch.Kind == docstore.ChangeRemoved {
				continue
			}
			candidate, ok := docstore.AsString(ch.Doc.Fields["candidate"])
			if !ok {
				continue
			}
			s.mu.Lock()
			applied := s.candidates[ch.Doc.ID]
			s.candidates[ch.Doc.ID] = true
			s.mu.Unlock()
			if applied {
				continue
			}
			if err := s.transport.AddRemoteCandidate(s.bg, candidate); err != nil {
				s.m.logger.Warn(s.bg, "applying ice candidate failed", "callId", s.id, "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("watching candidates: %w", err)
	}
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return nil
}

func (s *Session) watchDocument(ctx context.Context) error {
	unsub, err := s.m.store.Subscribe(ctx, Collection, []docstore.Filter{
		docstore.Eq("callId", s.id),
	}, func(changes []docstore.Change) {
		for _, ch := range changes {
			if ch.Kind == docstore.ChangeRemoved || ch.Doc.ID != s.id {
				continue
			}
			s.handleDocChange(parseSessionDoc(ch.Doc))
		}
	})
	if err != nil {
		return fmt.Errorf("watching call document: %w", err)
	}
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return nil
}

// handleDocChange reacts to the remote side's writes: the answer landing,
// a renegotiated offer, and the remote hang-up.
func (s *Session) handleDocChange(sd sessionDoc) {
	if sd.status == StatusEnded {
		s.finish(s.bg, false)
		return
	}

	if s.isCaller && sd.answer != nil {
		// Each distinct answer is applied exactly once: the first connects
		// the call, later ones complete renegotiations, and replays of
		// either are skipped by fingerprint.
		fp := fingerprint(*sd.answer)
		s.mu.Lock()
		apply := s.answerPrint != fp
		s.answerPrint = fp
		s.mu.Unlock()
		if apply {
			if err := s.transport.SetRemoteDescription(s.bg, *sd.answer); err != nil {
				s.m.logger.Warn(s.bg, "applying answer failed", "callId", s.id, "error", err)
				return
			}
			s.mu.Lock()
			s.status = StatusConnected
			s.mu.Unlock()
		}
	}

	if !s.isCaller && sd.offer != nil {
		s.maybeRenegotiate(*sd.offer, sd.video)
	}
}

// maybeRenegotiate answers a changed offer. The offer fingerprint makes
// this idempotent: the at-least-once feed can replay the same offer any
// number of times and only the first occurrence triggers an answer.
func (s *Session) maybeRenegotiate(offer SDP, video bool) {
	fp := fingerprint(offer)
	s.mu.Lock()
	if s.offerPrint == fp {
		s.mu.Unlock()
		return
	}
	s.offerPrint = fp
	s.video = video
	s.mu.Unlock()

	if err := s.transport.SetRemoteDescription(s.bg, offer); err != nil {
		s.m.logger.Warn(s.bg, "applying renegotiated offer failed", "callId", s.id, "error", err)
		return
	}
	answer, err := s.transport.CreateAnswer(s.bg)
	if err != nil {
		s.m.logger.Warn(s.bg, "answering renegotiated offer failed", "callId", s.id, "error", err)
		return
	}
	if err := s.transport.SetLocalDescription(s.bg, answer); err != nil {
		s.m.logger.Warn(s.bg, "setting renegotiated answer failed", "callId", s.id, "error", err)
		return
	}
	err = s.m.store.Update(s.bg, Collection, s.id, map[string]any{"answer": sdpFields(answer)})
	if err != nil {
		s.m.logger.Warn(s.bg, "publishing renegotiated answer failed", "callId", s.id, "error", err)
	}
}

// UpgradeToVideo adds a camera track to a connected audio-only call and
// renegotiates. The peer answers the new offer through its document
// watch.
func (s *Session) UpgradeToVideo(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return fmt.Errorf("call %s is not connected", s.id)
	}
	if s.video {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stream, err := s.m.devices.Acquire(ctx, true)
	if err != nil {
		return fmt.Errorf("acquiring camera: %w", err)
	}
	// Registered before anything can fail, so even an abandoned upgrade
	// leaves the camera releasable through End.
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()

	added := false
	for _, track := range stream.Tracks() {
		if track.Kind() != TrackVideo {
			// The microphone is already live from the original stream.
			track.Stop()
			continue
		}
		if err := s.transport.AddTrack(track); err != nil {
			stopTracks(stream)
			return fmt.Errorf("adding video track: %w", err)
		}
		added = true
	}
	if !added {
		stopTracks(stream)
		return fmt.Errorf("no video track available")
	}

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		stopTracks(stream)
		return fmt.Errorf("renegotiating: %w", err)
	}
	if err := s.transport.SetLocalDescription(ctx, offer); err != nil {
		stopTracks(stream)
		return fmt.Errorf("renegotiating: %w", err)
	}

	s.mu.Lock()
	s.video = true
	s.offerPrint = fingerprint(offer)
	s.mu.Unlock()

	err = s.m.store.Update(ctx, Collection, s.id, map[string]any{
		"offer":   sdpFields(offer),
		"isVideo": true,
	})
	if err != nil {
		return fmt.Errorf("publishing renegotiated offer: %w", err)
	}
	return nil
}

// SetBackground toggles background mode: video tracks are disabled, not
// stopped, so the camera session survives and foregrounding is instant.
// Audio is never touched.
func (s *Session) SetBackground(ctx context.Context, background bool) error {
	s.mu.Lock()
	s.background = background
	streams := make([]MediaStream, len(s.streams))
	copy(streams, s.streams)
	s.mu.Unlock()

	for _, stream := range streams {
		for _, track := range stream.Tracks() {
			if track.Kind() == TrackVideo {
				track.SetEnabled(!background)
			}
		}
	}
	return s.m.store.Update(ctx, Collection, s.id, map[string]any{"backgroundMode": background})
}

// End hangs up: marks the document ended, releases media and transport,
// stops the watches, and removes the candidate documents. Idempotent,
// and shared with the remote-hang-up path so teardown runs exactly once
// no matter which side ends first or how often the feed repeats itself.
func (s *Session) End(ctx context.Context) error {
	s.finish(ctx, true)
	return nil
}

func (s *Session) finish(ctx context.Context, local bool) {
	s.endOnce.Do(func() {
		if local {
			err := s.m.store.Update(ctx, Collection, s.id, map[string]any{
				"status":  StatusEnded,
				"endedAt": docstore.ServerTimestamp,
			})
			if err != nil && !isNotFound(err) {
				s.m.logger.Warn(ctx, "marking call ended failed", "callId", s.id, "error", err)
			}
		}
		s.teardown(ctx)
		if local {
			s.deleteCandidates(ctx)
		}
		s.m.logger.Info(ctx, "call ended", "callId", s.id, "local", local)
	})
}

// abort releases a half-built session after a setup failure. If the call
// document was already created it is marked ended so the peer never sees
// a permanently ringing call.
func (s *Session) abort(ctx context.Context) {
	s.endOnce.Do(func() {
		if s.id != "" {
			err := s.m.store.Update(ctx, Collection, s.id, map[string]any{
				"status":  StatusEnded,
				"endedAt": docstore.ServerTimestamp,
			})
			if err != nil && !isNotFound(err) {
				s.m.logger.Warn(ctx, "marking aborted call ended failed", "callId", s.id, "error", err)
			}
		}
		s.teardown(ctx)
	})
	s.m.clearActive(s)
}

func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	streams := s.streams
	s.streams = nil
	transport := s.transport
	s.status = StatusEnded
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, stream := range streams {
		stopTracks(stream)
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			s.m.logger.Warn(ctx, "closing transport failed", "callId", s.id, "error", err)
		}
	}
	s.m.clearActive(s)
}

func (s *Session) deleteCandidates(ctx context.Context) {
	for _, collection := range []string{callerCandidates(s.id), answererCandidates(s.id)} {
		docs, err := s.m.store.Query(ctx, collection)
		if err != nil {
			continue
		}
		for _, doc := range docs {
			if err := s.m.store.Delete(ctx, collection, doc.ID); err != nil {
				s.m.logger.Warn(ctx, "deleting candidate failed", "callId", s.id, "error", err)
			}
		}
	}
}

func stopTracks(stream MediaStream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}

func fingerprint(desc SDP) string {
	sum := sha256.Sum256([]byte(desc.Type + "\n" + desc.SDP))
	return hex.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
