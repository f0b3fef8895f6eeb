package session

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"mediabroker/internal/domain"
)

type bucketKey struct {
	mid   string
	mline uint16
}

// candidateBuffer accumulates trickled candidate lines keyed by
// (media-line-id, media-line-index). Order within a bucket is event
// arrival order and is preserved through the merge.
type candidateBuffer struct {
	buckets map[bucketKey][]string
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{buckets: make(map[bucketKey][]string)}
}

func (b *candidateBuffer) add(c domain.Candidate) {
	k := bucketKey{mid: c.SDPMid, mline: c.SDPMLineIndex}
	b.buckets[k] = append(b.buckets[k], c.Candidate)
}

// forMedia returns the buffered lines for one media section, matching
// by mid when the bucket has one and by index otherwise.
func (b *candidateBuffer) forMedia(mid string, index uint16) []string {
	var out []string
	for k, lines := range b.buckets {
		if k.mid != "" && k.mid == mid {
			out = append(out, lines...)
		} else if k.mid == "" && k.mline == index {
			out = append(out, lines...)
		}
	}
	return out
}

func (b *candidateBuffer) size() int {
	n := 0
	for _, lines := range b.buckets {
		n += len(lines)
	}
	return n
}

// mergeCandidates inserts the buffered candidate lines into their media
// sections of base, appending end-of-candidates to each section that
// received any. The merge is client-side; the backend SDP is not
// re-fetched.
func mergeCandidates(base string, buf *candidateBuffer) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(base)); err != nil {
		return "", fmt.Errorf("merge candidates: %w", err)
	}
	for i, media := range desc.MediaDescriptions {
		mid, _ := media.Attribute("mid")
		lines := buf.forMedia(mid, uint16(i))
		if len(lines) == 0 {
			continue
		}
		for _, line := range lines {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "candidate",
				Value: strings.TrimPrefix(line, "candidate:"),
			})
		}
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "end-of-candidates"})
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("merge candidates: %w", err)
	}
	return string(out), nil
}

// onBackendCandidate buffers a trickled candidate from the backend.
// Candidates arriving after finalization cannot change the already
// delivered SDP; they are logged and dropped.
func (s *Session) onBackendCandidate(c *domain.Candidate) {
	if c == nil {
		return
	}
	if s.pending == nil {
		log.Debug().Str("module", "session").Str("sid", s.id).Msg("late candidate after finalization")
		return
	}
	s.ice.add(*c)
}

// finalize delivers the pending SDP exactly once. Triggered by the
// backend's gathering-done event or the gather deadline, whichever
// fires first; the loser is a no-op because the pending slot is already
// consumed.
func (s *Session) finalize() {
	if s.pending == nil {
		return
	}
	var final string
	var err error
	if s.trickle {
		final, err = mergeCandidates(s.baseSDP, s.ice)
	} else {
		ctx, cancel := s.callCtx()
		final, err = s.ops.LocalDescriptor(ctx, &s.st)
		cancel()
	}
	if err != nil {
		s.failPending(s.wrapClass(err))
		s.toActive()
		return
	}

	log.Info().Str("module", "session").Str("sid", s.id).
		Int("candidates", s.ice.size()).Bool("trickle", s.trickle).Msg("candidates finalized")

	res := Result{Metadata: map[string]any{"session_id": s.id}}
	desc := webrtc.SessionDescription{SDP: final, Type: webrtc.SDPTypeAnswer}
	if s.sdpIsOffer {
		desc.Type = webrtc.SDPTypeOffer
		res.Offer = &desc
	} else {
		res.Answer = &desc
	}
	s.pending.ch <- reply{res: res}
	s.pending = nil
	s.toActive()
}
